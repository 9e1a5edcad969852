// Package scheduler runs the daily balance reset and the reservation
// housekeeping jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/digkill/TGImageBot/internal/service"
)

// Ledger is the subset of the account service the scheduler drives.
type Ledger interface {
	ResetAllBalances(ctx context.Context, target int) (service.ResetReport, error)
	ReapExpired(ctx context.Context, ttl time.Duration) (int, error)
	ReconcileUsage(ctx context.Context) (int, error)
}

type Config struct {
	DailyCredits   int
	ResetHour      int
	SweepInterval  time.Duration
	ReservationTTL time.Duration
	// JobTimeout bounds a single reset or sweep pass.
	JobTimeout time.Duration
	Now        func() time.Time
}

type Scheduler struct {
	ledger Ledger
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

func New(ledger Ledger, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 10 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.ResetHour < 0 || cfg.ResetHour > 23 {
		cfg.ResetHour = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{ledger: ledger, cfg: cfg, log: log, now: now}
}

// NextResetAt returns the first reset instant strictly after now.
func (s *Scheduler) NextResetAt(now time.Time) time.Time {
	return NextResetAt(now, s.cfg.ResetHour)
}

// NextResetAt returns the first instant after now at hour:00 UTC.
func NextResetAt(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunDailyReset restores every balance to the daily allowance. Running it
// twice leaves the same state.
func (s *Scheduler) RunDailyReset(ctx context.Context) (service.ResetReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	report, err := s.ledger.ResetAllBalances(ctx, s.cfg.DailyCredits)
	if err != nil {
		s.log.Error("daily reset failed", "err", err, "updated", report.Updated)
		return report, err
	}
	s.log.Info("daily reset done", "target", report.Target, "updated", report.Updated, "failed", report.Failed)
	return report, nil
}

// Sweep rolls back abandoned reservations and writes deferred usage records.
func (s *Scheduler) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	if n, err := s.ledger.ReapExpired(ctx, s.cfg.ReservationTTL); err != nil {
		s.log.Error("reap reservations", "err", err)
	} else if n > 0 {
		s.log.Info("reaped reservations", "count", n)
	}
	if n, err := s.ledger.ReconcileUsage(ctx); err != nil {
		s.log.Error("reconcile usage", "err", err)
	} else if n > 0 {
		s.log.Info("reconciled usage", "count", n)
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	next := s.NextResetAt(s.now())
	reset := time.NewTimer(next.Sub(s.now()))
	defer reset.Stop()
	s.log.Info("scheduler started", "next_reset", next, "sweep_interval", s.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-sweep.C:
			s.Sweep(ctx)
		case <-reset.C:
			_, _ = s.RunDailyReset(ctx)
			next = s.NextResetAt(s.now().Add(time.Second))
			reset.Reset(next.Sub(s.now()))
			s.log.Info("next reset scheduled", "at", next)
		}
	}
}
