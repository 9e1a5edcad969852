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

const couponColumns = `code, credit_value, max_uses, used_count, valid_until, created_by, created_at`

type CouponRepository struct {
	q database.Querier
}

func NewCouponRepository(q database.Querier) *CouponRepository {
	return &CouponRepository{q: q}
}

func (r *CouponRepository) WithTx(tx *database.Tx) *CouponRepository {
	return &CouponRepository{q: tx}
}

func scanCoupon(row rowScanner) (*models.Coupon, error) {
	var (
		c          models.Coupon
		validUntil sql.NullTime
		createdBy  sql.NullInt64
	)
	if err := row.Scan(&c.Code, &c.CreditValue, &c.MaxUses, &c.UsedCount, &validUntil, &createdBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	if validUntil.Valid {
		t := validUntil.Time.UTC()
		c.ValidUntil = &t
	}
	if createdBy.Valid {
		id := createdBy.Int64
		c.CreatedBy = &id
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (r *CouponRepository) Find(ctx context.Context, code string) (*models.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = ?`
	coupon, err := scanCoupon(r.q.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan coupon: %w", err)
	}
	return coupon, nil
}

func (r *CouponRepository) List(ctx context.Context) ([]models.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons ORDER BY created_at, code`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()

	var coupons []models.Coupon
	for rows.Next() {
		coupon, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coupon list: %w", err)
		}
		coupons = append(coupons, *coupon)
	}
	return coupons, rows.Err()
}

// Create inserts a coupon. Duplicate codes surface as a unique violation.
func (r *CouponRepository) Create(ctx context.Context, c *models.Coupon) error {
	const query = `
INSERT INTO coupons (code, credit_value, max_uses, used_count, valid_until, created_by, created_at)
VALUES (?, ?, ?, 0, ?, ?, ?)`
	var validUntil sql.NullTime
	if c.ValidUntil != nil {
		validUntil = sql.NullTime{Time: *c.ValidUntil, Valid: true}
	}
	var createdBy sql.NullInt64
	if c.CreatedBy != nil {
		createdBy = sql.NullInt64{Int64: *c.CreatedBy, Valid: true}
	}
	if _, err := r.q.ExecContext(ctx, query, c.Code, c.CreditValue, c.MaxUses, validUntil, createdBy, c.CreatedAt); err != nil {
		return fmt.Errorf("create coupon: %w", err)
	}
	return nil
}

// ClaimUse increments used_count if the coupon exists, has uses left and has
// not expired at now. It reports false when no row qualified.
func (r *CouponRepository) ClaimUse(ctx context.Context, code string, now time.Time) (bool, error) {
	const query = `
UPDATE coupons SET used_count = used_count + 1
WHERE code = ? AND used_count < max_uses AND (valid_until IS NULL OR valid_until > ?)`
	return execAffected(ctx, r.q, "claim coupon use", query, code, now)
}

func (r *CouponRepository) RecordRedemption(ctx context.Context, red *models.CouponRedemption) error {
	const query = `
INSERT INTO coupon_redemptions (code, user_id, credits, created_at)
VALUES (?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, red.Code, red.UserID, red.Credits, red.CreatedAt); err != nil {
		return fmt.Errorf("record redemption: %w", err)
	}
	return nil
}

// HasRedeemed uses a locking read where supported so a concurrent redemption
// committed after this transaction's snapshot is still seen.
func (r *CouponRepository) HasRedeemed(ctx context.Context, code string, userID int64) (bool, error) {
	query := `SELECT 1 FROM coupon_redemptions WHERE code = ? AND user_id = ? LIMIT 1` + database.ForUpdate(r.q.Dialect())
	var dummy int
	if err := r.q.QueryRowContext(ctx, query, code, userID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check redemption: %w", err)
	}
	return true, nil
}

func (r *CouponRepository) Redemptions(ctx context.Context, code string) ([]models.CouponRedemption, error) {
	const query = `SELECT code, user_id, credits, created_at FROM coupon_redemptions WHERE code = ? ORDER BY id`
	rows, err := r.q.QueryContext(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()

	var out []models.CouponRedemption
	for rows.Next() {
		var red models.CouponRedemption
		if err := rows.Scan(&red.Code, &red.UserID, &red.Credits, &red.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		red.CreatedAt = red.CreatedAt.UTC()
		out = append(out, red)
	}
	return out, rows.Err()
}

func (r *CouponRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM coupons`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count coupons: %w", err)
	}
	return n, nil
}
