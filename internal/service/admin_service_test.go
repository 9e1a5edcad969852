package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/service"
)

var (
	root   = service.Caller{UserID: 100, Privileged: true}
	nobody = service.Caller{UserID: 5}
)

func TestAdminRequiresPrivilege(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.account(t, 1, 1)

	_, err := l.admin.CreateCoupon(ctx, nobody, service.CreateCouponInput{Code: "X", CreditValue: 1, MaxUses: 1})
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = l.admin.ListCoupons(ctx, nobody)
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = l.admin.ListAccounts(ctx, nobody, 10, 0)
	assert.ErrorIs(t, err, service.ErrForbidden)
	assert.ErrorIs(t, l.admin.SetBlocked(ctx, nobody, 1, true), service.ErrForbidden)
	_, err = l.admin.AdjustBalance(ctx, nobody, 1, 10)
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = l.admin.TriggerReset(ctx, nobody)
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = l.admin.Stats(ctx, nobody)
	assert.ErrorIs(t, err, service.ErrForbidden)
	_, err = l.admin.ListUserIDs(ctx, nobody)
	assert.ErrorIs(t, err, service.ErrForbidden)

	assert.Equal(t, 1, l.balance(t, 1))
	acct, err := l.accounts.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, acct.Blocked)
}

func TestAdminOperations(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	l.account(t, 1, 0)
	l.account(t, 2, 4)

	coupon, err := l.admin.CreateCoupon(ctx, root, service.CreateCouponInput{Code: "vip", CreditValue: 10, MaxUses: 2})
	require.NoError(t, err)
	require.NotNil(t, coupon.CreatedBy)
	assert.EqualValues(t, 100, *coupon.CreatedBy)

	_, err = l.coupons.Redeem(ctx, "VIP", 1)
	require.NoError(t, err)
	reds, err := l.admin.CouponRedemptions(ctx, root, "vip")
	require.NoError(t, err)
	assert.Len(t, reds, 1)
	_, err = l.admin.CouponRedemptions(ctx, root, "nope")
	assert.ErrorIs(t, err, service.ErrCouponNotFound)

	require.NoError(t, l.admin.SetBlocked(ctx, root, 2, true))
	assert.ErrorIs(t, l.admin.SetBlocked(ctx, root, 77, true), service.ErrAccountNotFound)

	acct, err := l.admin.AdjustBalance(ctx, root, 2, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, acct.Balance)

	accounts, err := l.admin.ListAccounts(ctx, root, 10, 0)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
	ids, err := l.admin.ListUserIDs(ctx, root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids)

	res, err := l.accounts.ReserveCredit(ctx, 1, "p", models.DefaultDimensions)
	require.NoError(t, err)
	require.NoError(t, l.accounts.CommitReservation(ctx, res.Token))
	_, err = l.accounts.ReserveCredit(ctx, 1, "p2", models.DefaultDimensions)
	require.NoError(t, err)

	stats, err := l.admin.Stats(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{
		Accounts:       2,
		Blocked:        1,
		TotalCredits:   8 + 3,
		Generations:    1,
		Generations24h: 1,
		Coupons:        1,
		Pending:        1,
	}, stats)

	history, err := l.admin.UsageHistory(ctx, root, 1, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "p", history[0].Prompt)

	report, err := l.admin.TriggerReset(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 3, l.balance(t, 1))
	assert.Equal(t, 3, l.balance(t, 2))
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, service.UserMessage(nil))
	assert.Contains(t, service.UserMessage(service.ErrInsufficientCredits), "Insufficient credits")
	assert.Contains(t, service.UserMessage(fmt.Errorf("redeem: %w", service.ErrCouponExpired)), "expired")
	assert.Contains(t, service.UserMessage(&service.GenerationError{Token: "t", Cause: context.DeadlineExceeded}), "not charged")
	assert.Contains(t, service.UserMessage(errors.New("disk on fire")), "Something went wrong")

	for _, err := range []error{
		service.ErrAccountNotFound, service.ErrBlocked, service.ErrCouponNotFound,
		service.ErrCouponExhausted, service.ErrCouponAlreadyRedeemed, service.ErrDuplicateCouponCode,
		service.ErrInvalidCouponParameters, service.ErrEmptyPrompt, service.ErrInvalidDimensions,
		service.ErrForbidden, service.ErrReservationNotFound,
	} {
		assert.NotContains(t, service.UserMessage(err), "Something went wrong", err.Error())
	}
}

func TestGenerationErrorMatchesCause(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &service.GenerationError{Token: "abc", Cause: context.DeadlineExceeded})
	assert.ErrorIs(t, err, service.ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "abc")
}
