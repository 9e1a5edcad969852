package repository_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/database/dbtest"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func seedAccount(t *testing.T, repo *repository.AccountRepository, id int64, balance int) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &models.Account{
		UserID:         id,
		DisplayName:    "user",
		Balance:        balance,
		CreatedAt:      t0,
		LastActivityAt: t0,
	}))
}

func TestAccountRepositoryRoundTrip(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewAccountRepository(db)
	ctx := context.Background()

	missing, err := repo.Find(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, missing)

	seedAccount(t, repo, 1, 3)
	got, err := repo.Find(ctx, 1)
	require.NoError(t, err)

	want := &models.Account{UserID: 1, DisplayName: "user", Balance: 3, CreatedAt: t0, LastActivityAt: t0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("account mismatch (-want +got):\n%s", diff)
	}

	ok, err := repo.SetPreferredDimensions(ctx, 1, models.Dimensions{Width: 832, Height: 1216})
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = repo.Find(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.Dimensions{Width: 832, Height: 1216}, got.Dimensions())

	require.NoError(t, repo.Touch(ctx, 1, "renamed", t0.Add(time.Hour)))
	got, err = repo.Find(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.DisplayName)
	assert.True(t, got.LastActivityAt.Equal(t0.Add(time.Hour)))
}

func TestAccountRepositoryDuplicateCreate(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewAccountRepository(db)
	seedAccount(t, repo, 5, 3)

	err := repo.Create(context.Background(), &models.Account{UserID: 5, CreatedAt: t0, LastActivityAt: t0})
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))
}

func TestAccountRepositoryConditionalUpdates(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewAccountRepository(db)
	ctx := context.Background()
	seedAccount(t, repo, 1, 1)

	ok, err := repo.DebitOne(ctx, 1, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.DebitOne(ctx, 1, t0)
	require.NoError(t, err)
	assert.False(t, ok, "empty balance must not be debited")

	ok, err = repo.Adjust(ctx, 1, -1)
	require.NoError(t, err)
	assert.False(t, ok, "adjust below zero must be rejected")

	ok, err = repo.Adjust(ctx, 1, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.SetBlocked(ctx, 1, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.DebitOne(ctx, 1, t0)
	require.NoError(t, err)
	assert.False(t, ok, "blocked accounts are never debited")

	ok, err = repo.Credit(ctx, 1, 2, t0)
	require.NoError(t, err)
	assert.False(t, ok, "blocked accounts are not credited")

	ok, err = repo.Refund(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok, "refunds ignore the block flag")

	acct, err := repo.Find(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, acct.Balance)
	assert.True(t, acct.Blocked)

	ok, err = repo.SetBlocked(ctx, 99, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccountRepositoryListAndTotals(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewAccountRepository(db)
	ctx := context.Background()
	seedAccount(t, repo, 3, 5)
	seedAccount(t, repo, 1, 0)
	seedAccount(t, repo, 2, 3)
	_, err := repo.SetBlocked(ctx, 2, true)
	require.NoError(t, err)

	ids, err := repo.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	page, err := repo.List(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].UserID)
	assert.Equal(t, int64(3), page[1].UserID)

	totals, err := repo.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.AccountTotals{Accounts: 3, Blocked: 1, TotalCredits: 8}, totals)
}

func TestCouponRepositoryClaimUse(t *testing.T) {
	db := dbtest.New(t)
	repo := repository.NewCouponRepository(db)
	ctx := context.Background()

	expiry := t0.Add(time.Hour)
	require.NoError(t, repo.Create(ctx, &models.Coupon{Code: "ONCE", CreditValue: 5, MaxUses: 1, ValidUntil: &expiry, CreatedAt: t0}))

	ok, err := repo.ClaimUse(ctx, "ONCE", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "expired coupon")

	ok, err = repo.ClaimUse(ctx, "ONCE", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimUse(ctx, "ONCE", t0)
	require.NoError(t, err)
	assert.False(t, ok, "exhausted coupon")

	ok, err = repo.ClaimUse(ctx, "NOPE", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	coupon, err := repo.Find(ctx, "ONCE")
	require.NoError(t, err)
	require.NotNil(t, coupon)
	assert.Equal(t, 1, coupon.UsedCount)
	require.NotNil(t, coupon.ValidUntil)
	assert.True(t, coupon.ValidUntil.Equal(expiry))
	assert.Nil(t, coupon.CreatedBy)
}

func TestCouponRepositoryRedemptions(t *testing.T) {
	db := dbtest.New(t)
	coupons := repository.NewCouponRepository(db)
	accounts := repository.NewAccountRepository(db)
	ctx := context.Background()

	seedAccount(t, accounts, 10, 0)
	admin := int64(10)
	require.NoError(t, coupons.Create(ctx, &models.Coupon{Code: "B", CreditValue: 2, MaxUses: 3, CreatedBy: &admin, CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, coupons.Create(ctx, &models.Coupon{Code: "A", CreditValue: 1, MaxUses: 3, CreatedAt: t0}))

	redeemed, err := coupons.HasRedeemed(ctx, "B", 10)
	require.NoError(t, err)
	assert.False(t, redeemed)

	require.NoError(t, coupons.RecordRedemption(ctx, &models.CouponRedemption{Code: "B", UserID: 10, Credits: 2, CreatedAt: t0}))
	redeemed, err = coupons.HasRedeemed(ctx, "B", 10)
	require.NoError(t, err)
	assert.True(t, redeemed)

	reds, err := coupons.Redemptions(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, []models.CouponRedemption{{Code: "B", UserID: 10, Credits: 2, CreatedAt: t0}}, reds)

	list, err := coupons.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Code)
	assert.Equal(t, "B", list[1].Code)
	require.NotNil(t, list[1].CreatedBy)
	assert.Equal(t, admin, *list[1].CreatedBy)

	n, err := coupons.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReservationRepositoryLifecycle(t *testing.T) {
	db := dbtest.New(t)
	accounts := repository.NewAccountRepository(db)
	reservations := repository.NewReservationRepository(db)
	ctx := context.Background()
	seedAccount(t, accounts, 1, 1)

	for i, token := range []string{"old", "new"} {
		require.NoError(t, reservations.Create(ctx, &models.Reservation{
			Token: token, UserID: 1, Prompt: "cat", Width: 1024, Height: 1024,
			Status: models.ReservationPending, CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	stale, err := reservations.ListPendingBefore(ctx, t0.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].Token)

	ok, err := reservations.MarkCommitted(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = reservations.MarkCommitted(ctx, "new")
	require.NoError(t, err)
	assert.False(t, ok)

	committed, err := reservations.ListCommitted(ctx, 10)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, models.ReservationCommitted, committed[0].Status)

	ok, err = reservations.DeleteWithStatus(ctx, "new", models.ReservationPending)
	require.NoError(t, err)
	assert.False(t, ok, "committed reservations are not deleted as pending")

	pending, err := reservations.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	ok, err = reservations.DeleteWithStatus(ctx, "old", models.ReservationPending)
	require.NoError(t, err)
	assert.True(t, ok)

	missing, err := reservations.Find(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUsageRepository(t *testing.T) {
	db := dbtest.New(t)
	accounts := repository.NewAccountRepository(db)
	usage := repository.NewUsageRepository(db)
	ctx := context.Background()
	seedAccount(t, accounts, 1, 0)

	rec := &models.UsageRecord{UserID: 1, Prompt: "a fox", RequestToken: "tok-1", Width: 1024, Height: 1024, CreatedAt: t0}
	require.NoError(t, usage.Append(ctx, rec))
	err := usage.Append(ctx, rec)
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err), "request token is unique")

	require.NoError(t, usage.Append(ctx, &models.UsageRecord{UserID: 1, Prompt: "a wolf", RequestToken: "tok-2", Width: 640, Height: 1536, CreatedAt: t0.Add(48 * time.Hour)}))

	exists, err := usage.Exists(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, exists)

	total, err := usage.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	recent, err := usage.CountSince(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, recent)

	records, err := usage.ListByUser(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "tok-2", records[0].RequestToken)
}

func TestRepositoryWrapsDriverErrors(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := database.New(sqlDB, database.DialectMySQL)
	repo := repository.NewAccountRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET balance = balance - 1`)).
		WillReturnError(errors.New("connection reset"))
	_, err = repo.DebitOne(context.Background(), 1, t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debit account")

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET blocked = ?`)).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("no rows info")))
	_, err = repo.SetBlocked(context.Background(), 1, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows affected")

	assert.NoError(t, mock.ExpectationsWereMet())
}
