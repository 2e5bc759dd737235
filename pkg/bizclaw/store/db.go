// Package store – db.go provides the central SQLite database for BizClaw.
// A single bizclaw.db file holds sessions, scheduled tasks, async jobs,
// triggers and trigger executions for every tenant. Every table carries a
// tenant_id column; session-like tables carry lease columns.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Conversation and browser sessions. One active (un-ended) session per
-- (tenant_id, owner_key, kind); lease columns coordinate exclusive access.
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    owner_key        TEXT NOT NULL,
    kind             TEXT NOT NULL DEFAULT 'conversation',
    started_at       TEXT NOT NULL,
    last_active_at   TEXT NOT NULL,
    ended_at         TEXT,
    reset_at         TEXT,
    lease_owner      TEXT,
    lease_expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(tenant_id, owner_key, kind);

-- Scheduled tasks (cron or one-time).
CREATE TABLE IF NOT EXISTS scheduled_tasks (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    user_key    TEXT NOT NULL,
    prompt      TEXT NOT NULL,
    task_type   TEXT DEFAULT '',
    is_one_time INTEGER NOT NULL DEFAULT 0,
    cron_expr   TEXT DEFAULT '',
    run_at      TEXT,
    timezone    TEXT DEFAULT 'UTC',
    next_run_at TEXT NOT NULL,
    last_run_at TEXT,
    error_count INTEGER NOT NULL DEFAULT 0,
    enabled     INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(enabled, next_run_at);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON scheduled_tasks(tenant_id, user_key);

-- Async jobs (the durable queue).
CREATE TABLE IF NOT EXISTS async_jobs (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    user_key      TEXT NOT NULL,
    session_id    TEXT DEFAULT '',
    job_type      TEXT NOT NULL DEFAULT 'cli-task',
    payload       TEXT NOT NULL,
    payload_hash  TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'PENDING',
    attempts      INTEGER NOT NULL DEFAULT 0,
    enqueued_at   TEXT NOT NULL,
    started_at    TEXT,
    completed_at  TEXT,
    progress      TEXT DEFAULT '[]',
    output_result TEXT DEFAULT '',
    error_message TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON async_jobs(status, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON async_jobs(tenant_id, user_key, status);

-- Triggers (time/event/condition/webhook).
CREATE TABLE IF NOT EXISTS triggers (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    user_key          TEXT NOT NULL,
    trigger_type      TEXT NOT NULL,
    autonomy          TEXT NOT NULL DEFAULT 'NOTIFY',
    config            TEXT NOT NULL DEFAULT '{}',
    task_prompt       TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'ACTIVE',
    cooldown_seconds  INTEGER NOT NULL DEFAULT 0,
    last_triggered_at TEXT,
    error_count       INTEGER NOT NULL DEFAULT 0,
    webhook_path      TEXT DEFAULT '',
    webhook_secret    TEXT DEFAULT '',
    created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triggers_tenant ON triggers(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_triggers_path ON triggers(webhook_path);

-- One row per trigger firing that requires (or required) tracking.
CREATE TABLE IF NOT EXISTS trigger_executions (
    id                    TEXT PRIMARY KEY,
    trigger_id            TEXT NOT NULL,
    tenant_id             TEXT NOT NULL,
    user_key              TEXT NOT NULL,
    started_at            TEXT NOT NULL,
    confirmation_status   TEXT DEFAULT '',
    confirmation_deadline TEXT,
    triggered_by          TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_execs_trigger ON trigger_executions(trigger_id);
CREATE INDEX IF NOT EXISTS idx_execs_pending ON trigger_executions(tenant_id, user_key, confirmation_status);

-- Generic lease rows for advisory locks (e.g. the scheduler tick).
CREATE TABLE IF NOT EXISTS leases (
    scope            TEXT PRIMARY KEY,
    lease_owner      TEXT,
    lease_expires_at TEXT
);
`

// Open opens (or creates) the central bizclaw.db at the given path.
// It enables WAL mode for concurrent read performance and creates all tables.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/bizclaw.db"
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	// _txlock=immediate makes every transaction take the write lock at
	// BEGIN, which is what the claim-or-create reads rely on.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	// Verify connectivity.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Create schema (idempotent).
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}
