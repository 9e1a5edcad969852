package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
)

const maxCouponCodeLength = 64

type CouponOptions struct {
	// OncePerUser rejects a second redemption of the same code by one account.
	OncePerUser bool
	Now         func() time.Time
}

type CouponService struct {
	db          *database.DB
	coupons     *repository.CouponRepository
	accounts    *repository.AccountRepository
	log         *slog.Logger
	metrics     *metrics.Metrics
	oncePerUser bool
	now         func() time.Time
}

type CreateCouponInput struct {
	Code        string
	CreditValue int
	MaxUses     int
	ValidUntil  *time.Time
	CreatedBy   *int64
}

type RedemptionResult struct {
	Code    string `json:"code"`
	Credits int    `json:"credits"`
	Balance int    `json:"balance"`
}

func NewCouponService(db *database.DB, coupons *repository.CouponRepository, accounts *repository.AccountRepository, log *slog.Logger, m *metrics.Metrics, opts CouponOptions) *CouponService {
	return &CouponService{
		db:          db,
		coupons:     coupons,
		accounts:    accounts,
		log:         log,
		metrics:     m,
		oncePerUser: opts.OncePerUser,
		now:         clock(opts.Now),
	}
}

func (s *CouponService) Create(ctx context.Context, input CreateCouponInput) (*models.Coupon, error) {
	code := models.NormalizeCouponCode(input.Code)
	if code == "" || len(code) > maxCouponCodeLength || input.CreditValue <= 0 || input.MaxUses <= 0 {
		return nil, ErrInvalidCouponParameters
	}
	coupon := &models.Coupon{
		Code:        code,
		CreditValue: input.CreditValue,
		MaxUses:     input.MaxUses,
		CreatedBy:   input.CreatedBy,
		CreatedAt:   s.now(),
	}
	if input.ValidUntil != nil {
		t := input.ValidUntil.UTC().Truncate(time.Microsecond)
		coupon.ValidUntil = &t
	}
	if err := s.coupons.Create(ctx, coupon); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrDuplicateCouponCode
		}
		return nil, err
	}
	s.log.Info("coupon created", "code", code, "credits", coupon.CreditValue, "max_uses", coupon.MaxUses)
	return coupon, nil
}

func (s *CouponService) Get(ctx context.Context, code string) (*models.Coupon, error) {
	coupon, err := s.coupons.Find(ctx, models.NormalizeCouponCode(code))
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	if coupon == nil {
		return nil, ErrCouponNotFound
	}
	return coupon, nil
}

func (s *CouponService) List(ctx context.Context) ([]models.Coupon, error) {
	coupons, err := s.coupons.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	return coupons, nil
}

// Redeem claims one use of code and credits its value to userID in a single
// transaction. The coupon row is always locked before the account row.
func (s *CouponService) Redeem(ctx context.Context, code string, userID int64) (*RedemptionResult, error) {
	code = models.NormalizeCouponCode(code)
	if code == "" {
		s.metrics.ObserveRedemption(resultLabel(ErrCouponNotFound))
		return nil, ErrCouponNotFound
	}
	now := s.now()
	var result *RedemptionResult

	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		accounts := s.accounts.WithTx(tx)
		coupons := s.coupons.WithTx(tx)

		acct, err := accounts.Find(ctx, userID)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}
		if acct.Blocked {
			return ErrBlocked
		}

		claimed, err := coupons.ClaimUse(ctx, code, now)
		if err != nil {
			return err
		}
		if !claimed {
			return classifyCouponFailure(ctx, coupons, code, now)
		}
		if s.oncePerUser {
			redeemed, err := coupons.HasRedeemed(ctx, code, userID)
			if err != nil {
				return err
			}
			if redeemed {
				return ErrCouponAlreadyRedeemed
			}
		}

		coupon, err := coupons.Find(ctx, code)
		if err != nil {
			return err
		}
		if coupon == nil {
			return ErrCouponNotFound
		}

		credited, err := accounts.Credit(ctx, userID, coupon.CreditValue, now)
		if err != nil {
			return err
		}
		if !credited {
			// blocked after the first check; the claimed use is rolled back too
			return ErrBlocked
		}
		if err := coupons.RecordRedemption(ctx, &models.CouponRedemption{
			Code:      code,
			UserID:    userID,
			Credits:   coupon.CreditValue,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		updated, err := accounts.Find(ctx, userID)
		if err != nil {
			return err
		}
		result = &RedemptionResult{Code: code, Credits: coupon.CreditValue, Balance: updated.Balance}
		return nil
	})
	s.metrics.ObserveRedemption(resultLabel(err))
	if err != nil {
		if isLedgerError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("redeem coupon: %w", err)
	}
	s.log.Info("coupon redeemed", "code", code, "user_id", userID, "credits", result.Credits)
	return result, nil
}

// classifyCouponFailure explains why the conditional claim matched no row.
// Expiry is reported before exhaustion.
func classifyCouponFailure(ctx context.Context, coupons *repository.CouponRepository, code string, now time.Time) error {
	coupon, err := coupons.Find(ctx, code)
	switch {
	case err != nil:
		return err
	case coupon == nil:
		return ErrCouponNotFound
	case coupon.Expired(now):
		return ErrCouponExpired
	default:
		return ErrCouponExhausted
	}
}
