package repository

import (
	"context"
	"fmt"

	"github.com/digkill/TGImageBot/internal/database"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// execAffected runs a statement and reports whether any row matched.
func execAffected(ctx context.Context, q database.Querier, op, query string, args ...any) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return affected > 0, nil
}
