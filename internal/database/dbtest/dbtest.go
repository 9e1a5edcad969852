// Package dbtest opens throwaway ledger databases for tests.
package dbtest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/database"
)

var seq atomic.Int64

// New returns a migrated in-memory sqlite database closed at test cleanup.
func New(tb testing.TB) *database.DB {
	tb.Helper()

	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=private", seq.Add(1))
	db, err := database.Connect(context.Background(), config.Database{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		tb.Fatalf("connect sqlite: %v", err)
	}
	tb.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	return db
}
