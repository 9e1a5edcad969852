package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
)

const sweepBatch = 500

type AccountOptions struct {
	StartingCredits int
	CommitRetries   int
	CommitBackoff   time.Duration
	Now             func() time.Time
}

// AccountService owns every balance mutation. Each operation is a short
// transaction around a single conditional update, so no lock is ever held
// across the provider call.
type AccountService struct {
	db              *database.DB
	accounts        *repository.AccountRepository
	reservations    *repository.ReservationRepository
	usage           *repository.UsageRepository
	log             *slog.Logger
	metrics         *metrics.Metrics
	startingCredits int
	commitPolicy    retrypolicy.RetryPolicy[any]
	now             func() time.Time
}

type ResetReport struct {
	Target  int `json:"target"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

func NewAccountService(db *database.DB, accounts *repository.AccountRepository, reservations *repository.ReservationRepository, usage *repository.UsageRepository, log *slog.Logger, m *metrics.Metrics, opts AccountOptions) *AccountService {
	if opts.CommitRetries <= 0 {
		opts.CommitRetries = 3
	}
	if opts.CommitBackoff <= 0 {
		opts.CommitBackoff = 25 * time.Millisecond
	}
	return &AccountService{
		db:              db,
		accounts:        accounts,
		reservations:    reservations,
		usage:           usage,
		log:             log,
		metrics:         m,
		startingCredits: opts.StartingCredits,
		commitPolicy: retrypolicy.NewBuilder[any]().
			HandleIf(func(_ any, err error) bool {
				return err != nil && !errors.Is(err, ErrReservationNotFound)
			}).
			WithMaxRetries(opts.CommitRetries).
			WithBackoff(opts.CommitBackoff, 8*opts.CommitBackoff).
			ReturnLastFailure().
			Build(),
		now: clock(opts.Now),
	}
}

func clock(now func() time.Time) func() time.Time {
	if now == nil {
		now = time.Now
	}
	return func() time.Time {
		return now().UTC().Truncate(time.Microsecond)
	}
}

// GetOrCreate returns the account for userID, creating it with the starting
// balance on first contact. created reports whether this call created it.
func (s *AccountService) GetOrCreate(ctx context.Context, userID int64, displayName string) (*models.Account, bool, error) {
	displayName = strings.TrimSpace(displayName)
	acct, err := s.accounts.Find(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("get account: %w", err)
	}
	now := s.now()
	if acct != nil {
		if displayName == "" {
			displayName = acct.DisplayName
		}
		if err := s.accounts.Touch(ctx, userID, displayName, now); err != nil {
			s.log.Warn("touch account", "user_id", userID, "err", err)
			return acct, false, nil
		}
		acct.DisplayName = displayName
		acct.LastActivityAt = now
		return acct, false, nil
	}

	acct = &models.Account{
		UserID:         userID,
		DisplayName:    displayName,
		Balance:        s.startingCredits,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.accounts.Create(ctx, acct); err != nil {
		if !database.IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("create account: %w", err)
		}
		// lost a concurrent first-contact race
		existing, findErr := s.accounts.Find(ctx, userID)
		if findErr != nil || existing == nil {
			return nil, false, fmt.Errorf("create account: %w", err)
		}
		return existing, false, nil
	}
	s.log.Info("account created", "user_id", userID, "balance", acct.Balance)
	return acct, true, nil
}

func (s *AccountService) Get(ctx context.Context, userID int64) (*models.Account, error) {
	acct, err := s.accounts.Find(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

func (s *AccountService) List(ctx context.Context, limit, offset int) ([]models.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	accounts, err := s.accounts.List(ctx, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func (s *AccountService) ListIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.accounts.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list account ids: %w", err)
	}
	return ids, nil
}

// ReserveCredit debits one credit and records a pending reservation under a
// fresh request token. On any error nothing is changed.
func (s *AccountService) ReserveCredit(ctx context.Context, userID int64, prompt string, dims models.Dimensions) (*models.Reservation, error) {
	now := s.now()
	res := &models.Reservation{
		Token:     uuid.NewString(),
		UserID:    userID,
		Prompt:    prompt,
		Width:     dims.Width,
		Height:    dims.Height,
		Status:    models.ReservationPending,
		CreatedAt: now,
	}

	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		accounts := s.accounts.WithTx(tx)
		ok, err := accounts.DebitOne(ctx, userID, now)
		if err != nil {
			return err
		}
		if !ok {
			return classifyDebitFailure(ctx, accounts, userID)
		}
		return s.reservations.WithTx(tx).Create(ctx, res)
	})
	if err != nil {
		s.metrics.ObserveReservation(resultLabel(err))
		if isLedgerError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve credit: %w", err)
	}
	s.metrics.ObserveReservation("ok")
	return res, nil
}

func classifyDebitFailure(ctx context.Context, accounts *repository.AccountRepository, userID int64) error {
	acct, err := accounts.Find(ctx, userID)
	switch {
	case err != nil:
		return err
	case acct == nil:
		return ErrAccountNotFound
	case acct.Blocked:
		return ErrBlocked
	default:
		return ErrInsufficientCredits
	}
}

// CommitReservation makes the debit final and appends the usage record. If the
// append keeps failing the reservation is marked committed instead and the
// reconciler writes the record later; the debit is never undone.
func (s *AccountService) CommitReservation(ctx context.Context, token string) error {
	err := failsafe.With[any](s.commitPolicy).WithContext(ctx).Run(func() error {
		return s.commitOnce(ctx, token)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrReservationNotFound) {
		return err
	}

	ok, markErr := s.reservations.MarkCommitted(ctx, token)
	if markErr != nil {
		s.log.Error("commit reservation failed", "token", token, "err", err, "mark_err", markErr)
		return fmt.Errorf("commit reservation %s: %w", token, errors.Join(err, markErr))
	}
	if !ok {
		return fmt.Errorf("commit reservation %s: %w", token, err)
	}
	s.metrics.IncCommitFallback()
	s.log.Error("usage record deferred to reconciler", "token", token, "err", err)
	return nil
}

func (s *AccountService) commitOnce(ctx context.Context, token string) error {
	return s.db.InTx(ctx, func(tx *database.Tx) error {
		res, err := s.reservations.WithTx(tx).Find(ctx, token)
		if err != nil {
			return err
		}
		if res == nil || res.Status != models.ReservationPending {
			return ErrReservationNotFound
		}
		return s.finalize(ctx, tx, res)
	})
}

// finalize writes the usage record if it is missing and removes the reservation.
func (s *AccountService) finalize(ctx context.Context, tx *database.Tx, res *models.Reservation) error {
	usage := s.usage.WithTx(tx)
	exists, err := usage.Exists(ctx, res.Token)
	if err != nil {
		return err
	}
	if !exists {
		if err := usage.Append(ctx, &models.UsageRecord{
			UserID:       res.UserID,
			Prompt:       res.Prompt,
			RequestToken: res.Token,
			Width:        res.Width,
			Height:       res.Height,
			CreatedAt:    s.now(),
		}); err != nil {
			return err
		}
	}
	ok, err := s.reservations.WithTx(tx).DeleteWithStatus(ctx, res.Token, res.Status)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReservationNotFound
	}
	return nil
}

// RollbackReservation releases a pending reservation and returns its credit.
// Unknown or already finalised tokens are a no-op.
func (s *AccountService) RollbackReservation(ctx context.Context, token string) error {
	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		reservations := s.reservations.WithTx(tx)
		res, err := reservations.Find(ctx, token)
		if err != nil {
			return err
		}
		if res == nil || res.Status != models.ReservationPending {
			return nil
		}
		deleted, err := reservations.DeleteWithStatus(ctx, token, models.ReservationPending)
		if err != nil || !deleted {
			return err
		}
		_, err = s.accounts.WithTx(tx).Refund(ctx, res.UserID, 1)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback reservation %s: %w", token, err)
	}
	return nil
}

// AdjustBalance applies an administrative delta. Results below zero are
// rejected with ErrInsufficientCredits.
func (s *AccountService) AdjustBalance(ctx context.Context, userID int64, delta int) (*models.Account, error) {
	var acct *models.Account
	err := s.db.InTx(ctx, func(tx *database.Tx) error {
		accounts := s.accounts.WithTx(tx)
		ok, err := accounts.Adjust(ctx, userID, delta)
		if err != nil {
			return err
		}
		acct, err = accounts.Find(ctx, userID)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrAccountNotFound
		}
		if !ok {
			return ErrInsufficientCredits
		}
		return nil
	})
	if err != nil {
		if isLedgerError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("adjust balance: %w", err)
	}
	s.log.Info("balance adjusted", "user_id", userID, "delta", delta, "balance", acct.Balance)
	return acct, nil
}

func (s *AccountService) SetBlocked(ctx context.Context, userID int64, blocked bool) error {
	ok, err := s.accounts.SetBlocked(ctx, userID, blocked)
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	if !ok {
		return ErrAccountNotFound
	}
	s.log.Info("account block changed", "user_id", userID, "blocked", blocked)
	return nil
}

func (s *AccountService) SetPreferredDimensions(ctx context.Context, userID int64, dims models.Dimensions) error {
	if !dims.Supported() {
		return ErrInvalidDimensions
	}
	ok, err := s.accounts.SetPreferredDimensions(ctx, userID, dims)
	if err != nil {
		return fmt.Errorf("set preferred dimensions: %w", err)
	}
	if !ok {
		return ErrAccountNotFound
	}
	return nil
}

// ResetAllBalances sets every balance to target. Accounts are updated one at a
// time; a failure is logged and the pass continues. Repeating it is harmless.
func (s *AccountService) ResetAllBalances(ctx context.Context, target int) (ResetReport, error) {
	report := ResetReport{Target: target}
	if target < 0 {
		return report, fmt.Errorf("reset target must not be negative: %d", target)
	}
	ids, err := s.accounts.ListIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts for reset: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if _, err := s.accounts.SetBalance(ctx, id, target); err != nil {
			report.Failed++
			s.log.Error("reset balance", "user_id", id, "err", err)
			continue
		}
		report.Updated++
	}
	s.metrics.ObserveReset(report.Updated, report.Failed)
	s.log.Info("balances reset", "target", target, "updated", report.Updated, "failed", report.Failed)
	return report, nil
}

// ReapExpired rolls back pending reservations older than ttl; they belong to
// requests whose process died before finalising.
func (s *AccountService) ReapExpired(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := s.reservations.ListPendingBefore(ctx, s.now().Add(-ttl), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale reservations: %w", err)
	}
	reaped := 0
	for _, res := range stale {
		if err := s.RollbackReservation(ctx, res.Token); err != nil {
			s.log.Error("reap reservation", "token", res.Token, "user_id", res.UserID, "err", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		s.metrics.AddReaped(reaped)
		s.log.Warn("stale reservations rolled back", "count", reaped)
	}
	return reaped, nil
}

// ReconcileUsage writes the usage records that commits deferred.
func (s *AccountService) ReconcileUsage(ctx context.Context) (int, error) {
	pending, err := s.reservations.ListCommitted(ctx, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list committed reservations: %w", err)
	}
	done := 0
	for i := range pending {
		res := pending[i]
		err := s.db.InTx(ctx, func(tx *database.Tx) error {
			return s.finalize(ctx, tx, &res)
		})
		if err != nil && !errors.Is(err, ErrReservationNotFound) {
			s.log.Error("reconcile usage", "token", res.Token, "err", err)
			continue
		}
		done++
	}
	s.metrics.AddReconciled(done)
	return done, nil
}

func isLedgerError(err error) bool {
	for _, target := range []error{
		ErrAccountNotFound, ErrBlocked, ErrInsufficientCredits,
		ErrCouponNotFound, ErrCouponExpired, ErrCouponExhausted, ErrCouponAlreadyRedeemed,
		ErrReservationNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrCouponNotFound):
		return "not_found"
	case errors.Is(err, ErrCouponExpired):
		return "expired"
	case errors.Is(err, ErrCouponExhausted):
		return "exhausted"
	case errors.Is(err, ErrCouponAlreadyRedeemed):
		return "already_redeemed"
	default:
		return "error"
	}
}
