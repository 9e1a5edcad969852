package database_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/database/dbtest"
)

func TestParseDialect(t *testing.T) {
	cases := []struct {
		in   string
		want database.Dialect
	}{
		{"", database.DialectMySQL},
		{"mysql", database.DialectMySQL},
		{"postgres", database.DialectPostgres},
		{"pgx", database.DialectPostgres},
		{"SQLite", database.DialectSQLite},
		{"sqlite3", database.DialectSQLite},
	}
	for _, tc := range cases {
		got, err := database.ParseDialect(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := database.ParseDialect("oracle")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := `UPDATE accounts SET balance = balance - 1 WHERE user_id = ? AND blocked = ? AND balance >= 1`

	assert.Equal(t, q, database.Rebind(database.DialectMySQL, q))
	assert.Equal(t, q, database.Rebind(database.DialectSQLite, q))
	assert.Equal(t,
		`UPDATE accounts SET balance = balance - 1 WHERE user_id = $1 AND blocked = $2 AND balance >= 1`,
		database.Rebind(database.DialectPostgres, q))
}

func TestForUpdate(t *testing.T) {
	assert.Equal(t, "", database.ForUpdate(database.DialectSQLite))
	assert.Equal(t, " FOR UPDATE", database.ForUpdate(database.DialectMySQL))
	assert.Equal(t, " FOR UPDATE", database.ForUpdate(database.DialectPostgres))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, database.IsUniqueViolation(nil))
	assert.False(t, database.IsUniqueViolation(errors.New("boom")))
	assert.True(t, database.IsUniqueViolation(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, database.IsUniqueViolation(&mysql.MySQLError{Number: 1213}))
	assert.True(t, database.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, database.IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
}

func TestIsUniqueViolationSQLite(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const insert = `INSERT INTO coupons (code, credit_value, max_uses, used_count, created_at) VALUES (?, 1, 1, 0, ?)`
	_, err := db.ExecContext(ctx, insert, "DUP", now)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, "DUP", now)
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := dbtest.New(t)
	require.NoError(t, database.Migrate(context.Background(), db))

	var n int
	row := db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('accounts','coupons','coupon_redemptions','usage_log','reservations')`)
	require.NoError(t, row.Scan(&n))
	assert.Equal(t, 5, n)
}

func TestMigrateRunsStatementsInOrder(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := database.New(sqlDB, database.DialectMySQL)
	for _, stmt := range database.Schema(database.DialectMySQL) {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, database.Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := database.New(sqlDB, database.DialectPostgres)
	schema := database.Schema(database.DialectPostgres)
	mock.ExpectExec(regexp.QuoteMeta(schema[0])).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(schema[1])).WillReturnError(errors.New("permission denied"))

	err = database.Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sentinel := errors.New("abort")

	err := db.InTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (user_id, display_name, balance, blocked, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?, ?)`,
			int64(7), "ghost", 3, false, now, now); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n))
	assert.Zero(t, n)
}

func TestInTxRebindsForPostgres(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := database.New(sqlDB, database.DialectPostgres)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM reservations WHERE request_token = $1 AND status = $2`)).
		WithArgs("tok", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = db.InTx(context.Background(), func(tx *database.Tx) error {
		_, err := tx.ExecContext(context.Background(),
			`DELETE FROM reservations WHERE request_token = ? AND status = ?`, "tok", "pending")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
