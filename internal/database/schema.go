package database

import (
	"context"
	"fmt"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    user_id BIGINT NOT NULL PRIMARY KEY,
    display_name VARCHAR(255) NOT NULL DEFAULT '',
    balance INT NOT NULL DEFAULT 0,
    blocked BOOLEAN NOT NULL DEFAULT FALSE,
    preferred_width INT NULL,
    preferred_height INT NULL,
    created_at DATETIME(6) NOT NULL,
    last_activity_at DATETIME(6) NOT NULL,
    CONSTRAINT chk_accounts_balance CHECK (balance >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS coupons (
    code VARCHAR(64) NOT NULL PRIMARY KEY,
    credit_value INT NOT NULL,
    max_uses INT NOT NULL,
    used_count INT NOT NULL DEFAULT 0,
    valid_until DATETIME(6) NULL,
    created_by BIGINT NULL,
    created_at DATETIME(6) NOT NULL,
    CONSTRAINT chk_coupons_uses CHECK (used_count >= 0 AND used_count <= max_uses)
)`,
	`CREATE TABLE IF NOT EXISTS coupon_redemptions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    code VARCHAR(64) NOT NULL,
    user_id BIGINT NOT NULL,
    credits INT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_coupon_redemptions_code_user (code, user_id),
    FOREIGN KEY (code) REFERENCES coupons(code),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
)`,
	`CREATE TABLE IF NOT EXISTS usage_log (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    prompt TEXT NOT NULL,
    request_token VARCHAR(64) NOT NULL UNIQUE,
    width INT NOT NULL,
    height INT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_usage_log_created_at (created_at),
    INDEX idx_usage_log_user (user_id, created_at),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
)`,
	`CREATE TABLE IF NOT EXISTS reservations (
    request_token VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id BIGINT NOT NULL,
    prompt TEXT NOT NULL,
    width INT NOT NULL,
    height INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_reservations_status_created (status, created_at),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    user_id BIGINT NOT NULL PRIMARY KEY,
    display_name VARCHAR(255) NOT NULL DEFAULT '',
    balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    blocked BOOLEAN NOT NULL DEFAULT FALSE,
    preferred_width INTEGER NULL,
    preferred_height INTEGER NULL,
    created_at TIMESTAMPTZ NOT NULL,
    last_activity_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS coupons (
    code VARCHAR(64) NOT NULL PRIMARY KEY,
    credit_value INTEGER NOT NULL,
    max_uses INTEGER NOT NULL,
    used_count INTEGER NOT NULL DEFAULT 0,
    valid_until TIMESTAMPTZ NULL,
    created_by BIGINT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    CHECK (used_count >= 0 AND used_count <= max_uses)
)`,
	`CREATE TABLE IF NOT EXISTS coupon_redemptions (
    id BIGSERIAL PRIMARY KEY,
    code VARCHAR(64) NOT NULL REFERENCES coupons(code),
    user_id BIGINT NOT NULL REFERENCES accounts(user_id),
    credits INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_coupon_redemptions_code_user ON coupon_redemptions (code, user_id)`,
	`CREATE TABLE IF NOT EXISTS usage_log (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES accounts(user_id),
    prompt TEXT NOT NULL,
    request_token VARCHAR(64) NOT NULL UNIQUE,
    width INTEGER NOT NULL,
    height INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_log_created_at ON usage_log (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_log_user ON usage_log (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reservations (
    request_token VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES accounts(user_id),
    prompt TEXT NOT NULL,
    width INTEGER NOT NULL,
    height INTEGER NOT NULL,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_status_created ON reservations (status, created_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    user_id INTEGER NOT NULL PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    blocked BOOLEAN NOT NULL DEFAULT 0,
    preferred_width INTEGER NULL,
    preferred_height INTEGER NULL,
    created_at DATETIME NOT NULL,
    last_activity_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS coupons (
    code TEXT NOT NULL PRIMARY KEY,
    credit_value INTEGER NOT NULL,
    max_uses INTEGER NOT NULL,
    used_count INTEGER NOT NULL DEFAULT 0,
    valid_until DATETIME NULL,
    created_by INTEGER NULL,
    created_at DATETIME NOT NULL,
    CHECK (used_count >= 0 AND used_count <= max_uses)
)`,
	`CREATE TABLE IF NOT EXISTS coupon_redemptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT NOT NULL REFERENCES coupons(code),
    user_id INTEGER NOT NULL REFERENCES accounts(user_id),
    credits INTEGER NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_coupon_redemptions_code_user ON coupon_redemptions (code, user_id)`,
	`CREATE TABLE IF NOT EXISTS usage_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES accounts(user_id),
    prompt TEXT NOT NULL,
    request_token TEXT NOT NULL UNIQUE,
    width INTEGER NOT NULL,
    height INTEGER NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_log_created_at ON usage_log (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_log_user ON usage_log (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reservations (
    request_token TEXT NOT NULL PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES accounts(user_id),
    prompt TEXT NOT NULL,
    width INTEGER NOT NULL,
    height INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_status_created ON reservations (status, created_at)`,
}

// Schema returns the bootstrap statements for a dialect.
func Schema(dialect Dialect) []string {
	switch dialect {
	case DialectPostgres:
		return postgresSchema
	case DialectSQLite:
		return sqliteSchema
	default:
		return mysqlSchema
	}
}

// Migrate runs the bootstrap schema to ensure required tables exist.
// Statements are sent one at a time; the mysql driver rejects multi-statement
// strings unless multiStatements is enabled.
func Migrate(ctx context.Context, db *DB) error {
	for i, stmt := range Schema(db.Dialect()) {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
