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

const reservationColumns = `request_token, user_id, prompt, width, height, status, created_at`

type ReservationRepository struct {
	q database.Querier
}

func NewReservationRepository(q database.Querier) *ReservationRepository {
	return &ReservationRepository{q: q}
}

func (r *ReservationRepository) WithTx(tx *database.Tx) *ReservationRepository {
	return &ReservationRepository{q: tx}
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var res models.Reservation
	var status string
	if err := row.Scan(&res.Token, &res.UserID, &res.Prompt, &res.Width, &res.Height, &status, &res.CreatedAt); err != nil {
		return nil, err
	}
	res.Status = models.ReservationStatus(status)
	res.CreatedAt = res.CreatedAt.UTC()
	return &res, nil
}

func (r *ReservationRepository) Create(ctx context.Context, res *models.Reservation) error {
	const query = `
INSERT INTO reservations (request_token, user_id, prompt, width, height, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, res.Token, res.UserID, res.Prompt, res.Width, res.Height, string(res.Status), res.CreatedAt); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (r *ReservationRepository) Find(ctx context.Context, token string) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE request_token = ?`
	res, err := scanReservation(r.q.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	return res, nil
}

// DeleteWithStatus removes the reservation only while it is in status.
// The boolean is the single point that decides which finaliser wins.
func (r *ReservationRepository) DeleteWithStatus(ctx context.Context, token string, status models.ReservationStatus) (bool, error) {
	const query = `DELETE FROM reservations WHERE request_token = ? AND status = ?`
	return execAffected(ctx, r.q, "delete reservation", query, token, string(status))
}

func (r *ReservationRepository) MarkCommitted(ctx context.Context, token string) (bool, error) {
	const query = `UPDATE reservations SET status = ? WHERE request_token = ? AND status = ?`
	return execAffected(ctx, r.q, "mark reservation committed", query, string(models.ReservationCommitted), token, string(models.ReservationPending))
}

// ListPendingBefore returns pending reservations created before cutoff, oldest first.
func (r *ReservationRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`
	return r.list(ctx, query, string(models.ReservationPending), cutoff, limit)
}

func (r *ReservationRepository) ListCommitted(ctx context.Context, limit int) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE status = ? ORDER BY created_at LIMIT ?`
	return r.list(ctx, query, string(models.ReservationCommitted), limit)
}

func (r *ReservationRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations WHERE status = ?`, string(models.ReservationPending)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending reservations: %w", err)
	}
	return n, nil
}

func (r *ReservationRepository) list(ctx context.Context, query string, args ...any) ([]models.Reservation, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation list: %w", err)
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}
