package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations is the ordered DDL applied by Migrate. Statements are
// idempotent so re-running at boot is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		task_id     TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		org_id      TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		state       TEXT NOT NULL,
		title       TEXT NOT NULL DEFAULT '',
		tags        TEXT[] NOT NULL DEFAULT '{}',
		budget_used JSONB NOT NULL DEFAULT '{}',
		last_seq    BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS runs_tenant_state_idx ON runs (tenant_id, state)`,

	`CREATE TABLE IF NOT EXISTS run_events (
		run_id    TEXT NOT NULL REFERENCES runs (run_id),
		seq       BIGINT NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		canonical TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash      TEXT NOT NULL,
		key_id    TEXT NOT NULL,
		payload   JSONB NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS run_events_run_seq_idx ON run_events (run_id, seq)`,

	`CREATE TABLE IF NOT EXISTS run_snapshots (
		run_id     TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		tags       TEXT[] NOT NULL DEFAULT '{}',
		last_seq   BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS step_cache (
		idem_key   TEXT PRIMARY KEY,
		action_id  TEXT NOT NULL,
		output     JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL REFERENCES runs (run_id),
		state       TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		decided_at  TIMESTAMPTZ,
		by_user     TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS approvals_pending_idx ON approvals (run_id) WHERE state = 'pending'`,

	`CREATE TABLE IF NOT EXISTS jobs (
		job_id      TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		state       TEXT NOT NULL,
		claim_until TIMESTAMPTZ NOT NULL,
		attempts    INT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_claimable_idx ON jobs (state, claim_until, created_at)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		tenant_id  TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limits (
		scope        TEXT NOT NULL,
		scope_id     TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		count        BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (scope, scope_id, window_start)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_keys (
		kid        TEXT PRIMARY KEY,
		secret     BYTEA NOT NULL,
		active     BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL DEFAULT '',
		actor_id   TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		action     TEXT NOT NULL,
		resource   TEXT NOT NULL,
		metadata   JSONB,
		ts         TIMESTAMPTZ NOT NULL
	)`,
}

// mvMigrations builds the listing projection. The unique index is required
// for CONCURRENTLY refreshes.
var mvMigrations = []string{
	`CREATE MATERIALIZED VIEW IF NOT EXISTS run_list_mv AS
		SELECT run_id, tenant_id, state, title, tags, last_seq, created_at, updated_at
		FROM runs`,
	`CREATE UNIQUE INDEX IF NOT EXISTS run_list_mv_run_idx ON run_list_mv (run_id)`,
}

// Migrate applies the schema. Safe to call on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	for _, stmt := range mvMigrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate projection: %w", err)
		}
	}
	return nil
}
