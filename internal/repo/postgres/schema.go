package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		run_id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		status TEXT NOT NULL,
		spec BYTEA NOT NULL,
		vars JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_by TEXT,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		cancel_reason TEXT,
		error_message TEXT,
		log_object_key TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_created_at_idx ON workflow_runs (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS workflow_job_executions (
		execution_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES workflow_runs (run_id) ON DELETE CASCADE,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		logs JSONB NOT NULL DEFAULT '[]'::jsonb,
		outputs JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		UNIQUE (run_id, job_id)
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_job_executions_run_idx ON workflow_job_executions (run_id, status)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		request_id TEXT,
		ip INET,
		user_agent TEXT,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		integrity_sha256 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_resource_idx ON audit_events (resource_type, resource_id, occurred_at)`,
}

// Migrate creates the workflow and audit tables. Every statement is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
