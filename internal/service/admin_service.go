package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
)

// Caller identifies who issues an administrative operation. The transport
// decides Privileged before calling in.
type Caller struct {
	UserID     int64
	Privileged bool
}

func (c Caller) authorize() error {
	if !c.Privileged {
		return ErrForbidden
	}
	return nil
}

type AdminOptions struct {
	// DailyCredits is the balance a manual reset restores.
	DailyCredits int
	Now          func() time.Time
}

type AdminService struct {
	accounts     *AccountService
	coupons      *CouponService
	accountRepo  *repository.AccountRepository
	usage        *repository.UsageRepository
	couponRepo   *repository.CouponRepository
	reservations *repository.ReservationRepository
	dailyCredits int
	log          *slog.Logger
	now          func() time.Time
}

func NewAdminService(
	accounts *AccountService,
	coupons *CouponService,
	accountRepo *repository.AccountRepository,
	usage *repository.UsageRepository,
	couponRepo *repository.CouponRepository,
	reservations *repository.ReservationRepository,
	log *slog.Logger,
	opts AdminOptions,
) *AdminService {
	return &AdminService{
		accounts:     accounts,
		coupons:      coupons,
		accountRepo:  accountRepo,
		usage:        usage,
		couponRepo:   couponRepo,
		reservations: reservations,
		dailyCredits: opts.DailyCredits,
		log:          log,
		now:          clock(opts.Now),
	}
}

func (s *AdminService) CreateCoupon(ctx context.Context, caller Caller, input CreateCouponInput) (*models.Coupon, error) {
	if err := caller.authorize(); err != nil {
		return nil, err
	}
	if input.CreatedBy == nil && caller.UserID != 0 {
		id := caller.UserID
		input.CreatedBy = &id
	}
	return s.coupons.Create(ctx, input)
}

func (s *AdminService) ListCoupons(ctx context.Context, caller Caller) ([]models.Coupon, error) {
	if err := caller.authorize(); err != nil {
		return nil, err
	}
	return s.coupons.List(ctx)
}

func (s *AdminService) CouponRedemptions(ctx context.Context, caller Caller, code string) ([]models.CouponRedemption, error) {
	if err := caller.authorize(); err != nil {
		return nil, err
	}
	if _, err := s.coupons.Get(ctx, code); err != nil {
		return nil, err
	}
	reds, err := s.couponRepo.Redemptions(ctx, models.NormalizeCouponCode(code))
	if err != nil {
		return nil, fmt.Errorf("coupon redemptions: %w", err)
	}
	return reds, nil
}

func (s *AdminService) ListAccounts(ctx context.Context, caller Caller, limit, offset int) ([]models.Account, error) {
	if err := caller.authorize(); err != nil {
		return nil, err
	}
	return s.accounts.List(ctx, limit, offset)
}

func (s *AdminService) GetAccount(ctx context.Context, caller Caller, userID int64) (*models.Account, error) {
	if err := caller.authorize(); err != nil {
		return nil, err
	}
	return s.accounts.Get(ctx, userID)
}

// ListUserIDs returns every account id; used for broadcasts.
func (s *AdminService) ListUserIDs(ctx context.Context, caller Caller) ([]int64, error) {
	if err := caller.authorize(); err != nil {
		return nil, err
	}
	return s.accounts.ListIDs(ctx)
}

func (s *AdminService) SetBlocked(ctx context.Context, caller Caller, userID int64, blocked bool) error {
	if err := caller.authorize(); err != nil {
		return err
	}
	if err := s.accounts.SetBlocked(ctx, userID, blocked); err != nil {
		return err
	}
	s.log.Info("admin changed block state", "admin_id", caller.UserID, "user_id", userID, "blocked", blocked)
	return nil
}

func (s *AdminService) AdjustBalance(ctx context.Context, caller Caller, userID int64, delta int) (*models.Account, error) {
	if err := caller.authorize(); err != nil {
		return nil, err
	}
	acct, err := s.accounts.AdjustBalance(ctx, userID, delta)
	if err != nil {
		return nil, err
	}
	s.log.Info("admin adjusted balance", "admin_id", caller.UserID, "user_id", userID, "delta", delta)
	return acct, nil
}

// TriggerReset runs the daily reset immediately.
func (s *AdminService) TriggerReset(ctx context.Context, caller Caller) (ResetReport, error) {
	if err := caller.authorize(); err != nil {
		return ResetReport{}, err
	}
	s.log.Info("manual reset requested", "admin_id", caller.UserID)
	return s.accounts.ResetAllBalances(ctx, s.dailyCredits)
}

func (s *AdminService) UsageHistory(ctx context.Context, caller Caller, userID int64, limit int) ([]models.UsageRecord, error) {
	if err := caller.authorize(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	records, err := s.usage.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	return records, nil
}

func (s *AdminService) Stats(ctx context.Context, caller Caller) (models.Stats, error) {
	if err := caller.authorize(); err != nil {
		return models.Stats{}, err
	}
	totals, err := s.accountRepo.Totals(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	stats := models.Stats{
		Accounts:     totals.Accounts,
		Blocked:      totals.Blocked,
		TotalCredits: totals.TotalCredits,
	}
	if stats.Generations, err = s.usage.Count(ctx); err != nil {
		return models.Stats{}, err
	}
	if stats.Generations24h, err = s.usage.CountSince(ctx, s.now().Add(-24*time.Hour)); err != nil {
		return models.Stats{}, err
	}
	if stats.Coupons, err = s.couponRepo.Count(ctx); err != nil {
		return models.Stats{}, err
	}
	if stats.Pending, err = s.reservations.CountPending(ctx); err != nil {
		return models.Stats{}, err
	}
	return stats, nil
}
