package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/models"
)

const accountColumns = `user_id, display_name, balance, blocked, preferred_width, preferred_height, created_at, last_activity_at`

type AccountRepository struct {
	q database.Querier
}

func NewAccountRepository(q database.Querier) *AccountRepository {
	return &AccountRepository{q: q}
}

// WithTx returns a copy bound to tx.
func (r *AccountRepository) WithTx(tx *database.Tx) *AccountRepository {
	return &AccountRepository{q: tx}
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a      models.Account
		width  sql.NullInt64
		height sql.NullInt64
	)
	if err := row.Scan(&a.UserID, &a.DisplayName, &a.Balance, &a.Blocked, &width, &height, &a.CreatedAt, &a.LastActivityAt); err != nil {
		return nil, err
	}
	if width.Valid && height.Valid {
		w, h := int(width.Int64), int(height.Int64)
		a.PreferredWidth, a.PreferredHeight = &w, &h
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.LastActivityAt = a.LastActivityAt.UTC()
	return &a, nil
}

// Find returns nil, nil when the account does not exist.
func (r *AccountRepository) Find(ctx context.Context, userID int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = ?`
	acct, err := scanAccount(r.q.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return acct, nil
}

func (r *AccountRepository) Create(ctx context.Context, acct *models.Account) error {
	const query = `
INSERT INTO accounts (user_id, display_name, balance, blocked, created_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, acct.UserID, acct.DisplayName, acct.Balance, acct.Blocked, acct.CreatedAt, acct.LastActivityAt); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *AccountRepository) Touch(ctx context.Context, userID int64, displayName string, now time.Time) error {
	const query = `UPDATE accounts SET display_name = ?, last_activity_at = ? WHERE user_id = ?`
	if _, err := r.q.ExecContext(ctx, query, displayName, now, userID); err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	return nil
}

// DebitOne takes a single credit from an unblocked account with a positive
// balance. It reports false when no row qualified.
func (r *AccountRepository) DebitOne(ctx context.Context, userID int64, now time.Time) (bool, error) {
	const query = `
UPDATE accounts SET balance = balance - 1, last_activity_at = ?
WHERE user_id = ? AND blocked = ? AND balance >= 1`
	return execAffected(ctx, r.q, "debit account", query, now, userID, false)
}

// Credit adds amount to an unblocked account.
func (r *AccountRepository) Credit(ctx context.Context, userID int64, amount int, now time.Time) (bool, error) {
	const query = `
UPDATE accounts SET balance = balance + ?, last_activity_at = ?
WHERE user_id = ? AND blocked = ?`
	return execAffected(ctx, r.q, "credit account", query, amount, now, userID, false)
}

// Refund returns credits regardless of the block flag.
func (r *AccountRepository) Refund(ctx context.Context, userID int64, amount int) (bool, error) {
	const query = `UPDATE accounts SET balance = balance + ? WHERE user_id = ?`
	return execAffected(ctx, r.q, "refund account", query, amount, userID)
}

// Adjust applies delta unless the result would go below zero.
func (r *AccountRepository) Adjust(ctx context.Context, userID int64, delta int) (bool, error) {
	const query = `UPDATE accounts SET balance = balance + ? WHERE user_id = ? AND balance + ? >= 0`
	return execAffected(ctx, r.q, "adjust balance", query, delta, userID, delta)
}

func (r *AccountRepository) SetBalance(ctx context.Context, userID int64, balance int) (bool, error) {
	const query = `UPDATE accounts SET balance = ? WHERE user_id = ?`
	return execAffected(ctx, r.q, "set balance", query, balance, userID)
}

func (r *AccountRepository) SetBlocked(ctx context.Context, userID int64, blocked bool) (bool, error) {
	const query = `UPDATE accounts SET blocked = ? WHERE user_id = ?`
	return execAffected(ctx, r.q, "set blocked", query, blocked, userID)
}

func (r *AccountRepository) SetPreferredDimensions(ctx context.Context, userID int64, dims models.Dimensions) (bool, error) {
	const query = `UPDATE accounts SET preferred_width = ?, preferred_height = ? WHERE user_id = ?`
	return execAffected(ctx, r.q, "set preferred dimensions", query, dims.Width, dims.Height, userID)
}

func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY user_id LIMIT ? OFFSET ?`
	rows, err := r.q.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account list: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

func (r *AccountRepository) ListIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT user_id FROM accounts ORDER BY user_id`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list account ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type AccountTotals struct {
	Accounts     int
	Blocked      int
	TotalCredits int
}

func (r *AccountRepository) Totals(ctx context.Context) (AccountTotals, error) {
	const query = `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN blocked THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(balance), 0)
FROM accounts`
	var t AccountTotals
	if err := r.q.QueryRowContext(ctx, query).Scan(&t.Accounts, &t.Blocked, &t.TotalCredits); err != nil {
		return AccountTotals{}, fmt.Errorf("account totals: %w", err)
	}
	return t, nil
}
