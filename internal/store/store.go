// Package store persists accounts, quota state, and consumption records in
// PostgreSQL, generalizing the teacher's internal/store/postgresstore.go
// (same driver, same EnsureSchema-then-query shape) from a single JSON-blob
// auth table to typed per-provider tables.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store wraps a PostgreSQL connection pool used by the Account Store and
// Quota Ledger.
type Store struct {
	db *sql.DB
}

// Open establishes a connection pool to PostgreSQL.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates every table the core touches, idempotently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		schemaAntigravityAccounts,
		schemaKiroAccounts,
		schemaQwenAccounts,
		schemaModelQuota,
		schemaConsumptionLog,
		schemaUserSharedPool,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

const schemaAntigravityAccounts = `
CREATE TABLE IF NOT EXISTS antigravity_accounts (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	shared        BOOLEAN NOT NULL DEFAULT FALSE,
	access_token  TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at    TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	status        TEXT NOT NULL DEFAULT 'enabled',
	needs_reauth  BOOLEAN NOT NULL DEFAULT FALSE,
	email         TEXT UNIQUE,
	project_id    TEXT NOT NULL DEFAULT '',
	is_restricted BOOLEAN NOT NULL DEFAULT FALSE,
	ineligible    BOOLEAN NOT NULL DEFAULT FALSE,
	paid_tier     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const schemaKiroAccounts = `
CREATE TABLE IF NOT EXISTS kiro_accounts (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	shared            BOOLEAN NOT NULL DEFAULT FALSE,
	auth_method       TEXT NOT NULL DEFAULT 'Social',
	access_token      TEXT NOT NULL DEFAULT '',
	refresh_token     TEXT NOT NULL DEFAULT '',
	expires_at        TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	status            TEXT NOT NULL DEFAULT 'enabled',
	needs_reauth      BOOLEAN NOT NULL DEFAULT FALSE,
	client_id         TEXT NOT NULL DEFAULT '',
	client_secret     TEXT NOT NULL DEFAULT '',
	profile_arn       TEXT NOT NULL DEFAULT '',
	machine_id        TEXT NOT NULL DEFAULT '',
	region            TEXT NOT NULL DEFAULT '',
	subscription      TEXT NOT NULL DEFAULT '',
	current_usage     DOUBLE PRECISION NOT NULL DEFAULT 0,
	reset_date        TIMESTAMPTZ,
	usage_limit       DOUBLE PRECISION NOT NULL DEFAULT 0,
	free_trial_status TEXT NOT NULL DEFAULT '',
	free_trial_usage  DOUBLE PRECISION NOT NULL DEFAULT 0,
	free_trial_expiry TIMESTAMPTZ,
	free_trial_limit  DOUBLE PRECISION NOT NULL DEFAULT 0,
	bonus_usage       DOUBLE PRECISION NOT NULL DEFAULT 0,
	bonus_limit       DOUBLE PRECISION NOT NULL DEFAULT 0,
	bonus_available   BOOLEAN NOT NULL DEFAULT FALSE,
	bonus_details     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const schemaQwenAccounts = `
CREATE TABLE IF NOT EXISTS qwen_accounts (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	shared        BOOLEAN NOT NULL DEFAULT FALSE,
	access_token  TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at    TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	status        TEXT NOT NULL DEFAULT 'enabled',
	needs_reauth  BOOLEAN NOT NULL DEFAULT FALSE,
	resource_url  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const schemaModelQuota = `
CREATE TABLE IF NOT EXISTS model_quota (
	account_id      TEXT NOT NULL,
	model_name      TEXT NOT NULL,
	remaining       DOUBLE PRECISION NOT NULL DEFAULT 1,
	reset_time      TIMESTAMPTZ,
	available       BOOLEAN NOT NULL DEFAULT TRUE,
	last_fetched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (account_id, model_name)
)`

const schemaConsumptionLog = `
CREATE TABLE IF NOT EXISTS consumption_log (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	model_name   TEXT NOT NULL,
	quota_before DOUBLE PRECISION NOT NULL,
	quota_after  DOUBLE PRECISION NOT NULL,
	consumed     DOUBLE PRECISION NOT NULL,
	shared       BOOLEAN NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const schemaUserSharedPool = `
CREATE TABLE IF NOT EXISTS user_shared_pool (
	user_id          TEXT NOT NULL,
	model_group      TEXT NOT NULL,
	quota            DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_quota        DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_recovered_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, model_group)
)`
