package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGImageBot/internal/service"
	"github.com/digkill/TGImageBot/pkg/logger"
)

type fakeLedger struct {
	mu         sync.Mutex
	resets     []int
	reaps      []time.Duration
	reconciles int
	resetErr   error
}

func (f *fakeLedger) ResetAllBalances(_ context.Context, target int) (service.ResetReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, target)
	return service.ResetReport{Target: target, Updated: 2}, f.resetErr
}

func (f *fakeLedger) ReapExpired(_ context.Context, ttl time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaps = append(f.reaps, ttl)
	return 1, nil
}

func (f *fakeLedger) ReconcileUsage(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	return 0, errors.New("db gone")
}

func (f *fakeLedger) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets), len(f.reaps), f.reconciles
}

func TestNextResetAt(t *testing.T) {
	cases := []struct {
		now  time.Time
		hour int
		want time.Time
	}{
		{time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), 0, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 0, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 1, 2, 59, 0, 0, time.UTC), 3, time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 23, 30, 0, 0, time.UTC), 0, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 1, 1, 0, 0, 0, time.FixedZone("MSK", 3*3600)), 0, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextResetAt(tc.now, tc.hour), "now=%s hour=%d", tc.now, tc.hour)
	}
}

func TestRunDailyResetUsesDailyCredits(t *testing.T) {
	ledger := &fakeLedger{}
	s := New(ledger, Config{DailyCredits: 3}, logger.Discard())

	report, err := s.RunDailyReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Target)

	ledger.resetErr = errors.New("boom")
	_, err = s.RunDailyReset(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []int{3, 3}, ledger.resets)
}

func TestSweepRunsBothJobs(t *testing.T) {
	ledger := &fakeLedger{}
	s := New(ledger, Config{ReservationTTL: 7 * time.Minute}, logger.Discard())

	s.Sweep(context.Background())
	assert.Equal(t, []time.Duration{7 * time.Minute}, ledger.reaps)
	assert.Equal(t, 1, ledger.reconciles)
}

func TestRunFiresResetAndSweeps(t *testing.T) {
	ledger := &fakeLedger{}
	offset := NextResetAt(time.Now(), 0).Sub(time.Now()) - 50*time.Millisecond
	s := New(ledger, Config{
		DailyCredits:  3,
		SweepInterval: 10 * time.Millisecond,
		Now:           func() time.Time { return time.Now().Add(offset) },
	}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resets, reaps, _ := ledger.counts()
		return resets == 1 && reaps >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	resets, _, _ := ledger.counts()
	assert.Equal(t, 1, resets)
}
