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

// UsageRepository is the append-only generation log.
type UsageRepository struct {
	q database.Querier
}

func NewUsageRepository(q database.Querier) *UsageRepository {
	return &UsageRepository{q: q}
}

func (r *UsageRepository) WithTx(tx *database.Tx) *UsageRepository {
	return &UsageRepository{q: tx}
}

func (r *UsageRepository) Append(ctx context.Context, rec *models.UsageRecord) error {
	const query = `
INSERT INTO usage_log (user_id, prompt, request_token, width, height, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, rec.UserID, rec.Prompt, rec.RequestToken, rec.Width, rec.Height, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (r *UsageRepository) Exists(ctx context.Context, token string) (bool, error) {
	const query = `SELECT 1 FROM usage_log WHERE request_token = ?`
	var dummy int
	if err := r.q.QueryRowContext(ctx, query, token).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check usage record: %w", err)
	}
	return true, nil
}

func (r *UsageRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]models.UsageRecord, error) {
	const query = `
SELECT id, user_id, prompt, request_token, width, height, created_at
FROM usage_log WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := r.q.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Prompt, &rec.RequestToken, &rec.Width, &rec.Height, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *UsageRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

func (r *UsageRepository) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_log WHERE created_at >= ?`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage since: %w", err)
	}
	return n, nil
}
