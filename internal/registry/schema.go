package registry

import (
	"context"
	"fmt"
)

// Terminal stages inlined into the partial index: the index is what enforces
// "exactly one active ValidationRun per (repo, pr_number)".
const activePredicate = "stage NOT IN ('merged','rejected','errored','cancelled')"

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS agent_runs (
    id         TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    prompt     TEXT NOT NULL,
    status     TEXT NOT NULL,
    result     TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);

CREATE TABLE IF NOT EXISTS validation_runs (
    id                  TEXT PRIMARY KEY,
    agent_run_id        TEXT,
    repo                TEXT NOT NULL,
    pr_number           INTEGER NOT NULL,
    commit_sha          TEXT NOT NULL,
    stage               TEXT NOT NULL,
    attempts            TEXT NOT NULL DEFAULT '{}',
    auto_merge_eligible BOOLEAN,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_validation_active
    ON validation_runs(repo, pr_number) WHERE ` + activePredicate + `;
CREATE INDEX IF NOT EXISTS idx_validation_repo_pr ON validation_runs(repo, pr_number);

CREATE TABLE IF NOT EXISTS stage_results (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES validation_runs(id) ON DELETE CASCADE,
    executor    TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    detail      TEXT
);
CREATE INDEX IF NOT EXISTS idx_stage_results_run ON stage_results(run_id, id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    delivery_id TEXT PRIMARY KEY,
    received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    aggregate_id TEXT NOT NULL,
    event        TEXT NOT NULL,
    stage        TEXT,
    attempt      INTEGER,
    detail       TEXT,
    timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_aggregate ON audit_events(aggregate_id, id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT now()::text
);

CREATE TABLE IF NOT EXISTS agent_runs (
    id         TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    prompt     TEXT NOT NULL,
    status     TEXT NOT NULL,
    result     TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);

CREATE TABLE IF NOT EXISTS validation_runs (
    id                  TEXT PRIMARY KEY,
    agent_run_id        TEXT,
    repo                TEXT NOT NULL,
    pr_number           INTEGER NOT NULL,
    commit_sha          TEXT NOT NULL,
    stage               TEXT NOT NULL,
    attempts            TEXT NOT NULL DEFAULT '{}',
    auto_merge_eligible BOOLEAN,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_validation_active
    ON validation_runs(repo, pr_number) WHERE ` + activePredicate + `;
CREATE INDEX IF NOT EXISTS idx_validation_repo_pr ON validation_runs(repo, pr_number);

CREATE TABLE IF NOT EXISTS stage_results (
    id          BIGSERIAL PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES validation_runs(id) ON DELETE CASCADE,
    executor    TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    outcome     TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    detail      TEXT
);
CREATE INDEX IF NOT EXISTS idx_stage_results_run ON stage_results(run_id, id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    delivery_id TEXT PRIMARY KEY,
    received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    id           BIGSERIAL PRIMARY KEY,
    aggregate_id TEXT NOT NULL,
    event        TEXT NOT NULL,
    stage        TEXT,
    attempt      INTEGER,
    detail       TEXT,
    timestamp    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_aggregate ON audit_events(aggregate_id, id);
`

// Migrate applies the schema.
func (r *Registry) Migrate(ctx context.Context) error {
	var count int
	err := r.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	schema := schemaSQLite
	if r.driver == DriverPostgres {
		schema = schemaPostgres
	}

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (r *Registry) Reset(ctx context.Context) error {
	tables := []string{"audit_events", "webhook_deliveries", "stage_results", "validation_runs", "agent_runs", "schema_version"}
	for _, t := range tables {
		if _, err := r.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return r.Migrate(ctx)
}
