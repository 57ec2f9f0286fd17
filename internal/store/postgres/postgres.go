// Package postgres implements store.Store on PostgreSQL via database/sql
// and lib/pq. Mutual exclusion across scheduler and pusher replicas relies
// on row locks here: advancement takes FOR UPDATE on the parent workflow
// instance, dispatch claims rows with FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"

	"github.com/lib/pq"

	"github.com/taskflowhq/taskflow/internal/store"
)

// DB wraps a database/sql connection pool for PostgreSQL.
type DB struct {
	pool *sql.DB
}

// Open creates a connection pool and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", classify(err))
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.pool.Close()
}

// Migrate applies the embedded schema. Idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.ExecContext(ctx, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", classify(err))
	}
	return nil
}

// classify tags retryable failures with store.ErrTransient so the loops can
// back off instead of aborting: serialization failures, deadlocks, admin
// shutdowns, and any connection-class error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "57P01", "57P02", "57P03":
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
		if pqErr.Code.Class() == "08" {
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
	}
	return err
}

// isUniqueViolation reports a 23505 unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS workflows (
    name        TEXT PRIMARY KEY,
    active      BOOLEAN NOT NULL DEFAULT FALSE,
    title       TEXT,
    description TEXT,
    concurrency INTEGER NOT NULL DEFAULT 1,
    sla_seconds BIGINT,
    schedule    TEXT,
    start_date  TIMESTAMPTZ,
    end_date    TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tasks (
    name             TEXT PRIMARY KEY,
    workflow         TEXT REFERENCES workflows(name),
    active           BOOLEAN NOT NULL DEFAULT FALSE,
    title            TEXT,
    description      TEXT,
    concurrency      INTEGER NOT NULL DEFAULT 1,
    schedule         TEXT,
    start_date       TIMESTAMPTZ,
    end_date         TIMESTAMPTZ,
    max_retries      INTEGER NOT NULL DEFAULT 1,
    timeout_seconds  INTEGER NOT NULL DEFAULT 300,
    priority         INTEGER NOT NULL DEFAULT 0,
    params           JSONB,
    push_destination TEXT,
    fn               TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_instances (
    id         BIGSERIAL PRIMARY KEY,
    workflow   TEXT NOT NULL,
    scheduled  BOOLEAN NOT NULL DEFAULT FALSE,
    status     TEXT NOT NULL,
    run_at     TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    ended_at   TIMESTAMPTZ,
    params     JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_workflow_instances_status
    ON workflow_instances(status);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_recurring
    ON workflow_instances(workflow, scheduled, run_at DESC);

CREATE TABLE IF NOT EXISTS task_instances (
    id                BIGSERIAL PRIMARY KEY,
    task              TEXT NOT NULL,
    workflow_instance BIGINT REFERENCES workflow_instances(id) ON DELETE CASCADE,
    scheduled         BOOLEAN NOT NULL DEFAULT FALSE,
    push              BOOLEAN NOT NULL DEFAULT FALSE,
    status            TEXT NOT NULL,
    priority          INTEGER NOT NULL DEFAULT 0,
    run_at            TIMESTAMPTZ NOT NULL,
    started_at        TIMESTAMPTZ,
    ended_at          TIMESTAMPTZ,
    attempts          INTEGER NOT NULL DEFAULT 0,
    params            JSONB,
    push_data         JSONB,
    locked_by         TEXT,
    locked_at         TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (workflow_instance, task)
);

CREATE INDEX IF NOT EXISTS idx_task_instances_status
    ON task_instances(status);
CREATE INDEX IF NOT EXISTS idx_task_instances_dispatch
    ON task_instances(status, push, run_at) WHERE push;

CREATE TABLE IF NOT EXISTS taskflow_events (
    id                BIGSERIAL PRIMARY KEY,
    workflow_instance BIGINT REFERENCES workflow_instances(id) ON DELETE CASCADE,
    task_instance     BIGINT REFERENCES task_instances(id) ON DELETE CASCADE,
    timestamp         TIMESTAMPTZ NOT NULL,
    event             TEXT NOT NULL,
    message           TEXT
);

CREATE INDEX IF NOT EXISTS idx_taskflow_events_workflow_instance
    ON taskflow_events(workflow_instance);
`
