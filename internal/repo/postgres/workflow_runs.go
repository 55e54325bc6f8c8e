package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shipyard-labs/shipyard-go/internal/repo"
)

type RunStore struct {
	db DB
}

const runColumns = `run_id, pipeline, status, spec, vars, created_by, cancel_requested, cancel_reason, error_message, log_object_key, created_at, started_at, finished_at`

const (
	insertRunQuery = `INSERT INTO workflow_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,FALSE,NULL,NULL,NULL,$7,NULL,NULL)
	RETURNING ` + runColumns

	selectRunQuery = `SELECT ` + runColumns + ` FROM workflow_runs WHERE run_id = $1`

	listRunsQuery = `SELECT ` + runColumns + ` FROM workflow_runs
	 WHERE ($1::text = '' OR pipeline = $1) AND ($2::text = '' OR status = $2)
	 ORDER BY created_at DESC, run_id DESC
	 LIMIT $3`

	updateRunStatusQuery = `UPDATE workflow_runs SET
		status = $2,
		error_message = COALESCE($3, error_message),
		started_at = CASE WHEN $2::text = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		finished_at = CASE WHEN $2::text IN ('succeeded', 'failed', 'cancelled') THEN COALESCE(finished_at, NOW()) ELSE finished_at END
	 WHERE run_id = $1`

	requestCancelQuery = `UPDATE workflow_runs SET
		cancel_requested = TRUE,
		cancel_reason = COALESCE(cancel_reason, $2)
	 WHERE run_id = $1 AND status IN ('queued', 'running')
	 RETURNING ` + runColumns

	selectCancelRequestedQuery = `SELECT cancel_requested FROM workflow_runs WHERE run_id = $1`

	updateLogObjectKeyQuery = `UPDATE workflow_runs SET log_object_key = $2 WHERE run_id = $1`
)

const defaultListLimit = 50

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run repo.RunRecord) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	pipeline := strings.TrimSpace(run.Pipeline)
	if pipeline == "" {
		return repo.RunRecord{}, fmt.Errorf("pipeline is required")
	}
	if len(run.Spec) == 0 {
		return repo.RunRecord{}, fmt.Errorf("spec is required")
	}
	id := strings.TrimSpace(run.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := run.Status
	if status == "" {
		status = repo.RunQueued
	}
	vars := run.Vars
	if len(vars) == 0 {
		vars = json.RawMessage(`{}`)
	}

	row := s.db.QueryRowContext(ctx, insertRunQuery,
		id,
		pipeline,
		string(status),
		run.Spec,
		string(vars),
		nullIfEmpty(run.CreatedBy),
		normalizeTime(run.CreatedAt),
	)
	created, err := scanRun(row)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.RunRecord{}, fmt.Errorf("%w: run %s already exists", repo.ErrConflict, id)
		}
		return repo.RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return created, nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.RunRecord{}, fmt.Errorf("run id is required")
	}
	return scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery, strings.TrimSpace(filter.Pipeline), string(filter.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]repo.RunRecord, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status repo.RunStatus, errorMessage string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(string(status)) == "" {
		return fmt.Errorf("status is required")
	}
	res, err := s.db.ExecContext(ctx, updateRunStatusQuery, id, string(status), nullIfEmpty(errorMessage))
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return expectOneRow(res)
}

// RequestCancel flags a queued or running run. A finished run yields
// ErrConflict, an unknown one ErrNotFound.
func (s *RunStore) RequestCancel(ctx context.Context, id, reason string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by user"
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, requestCancelQuery, id, reason))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return repo.RunRecord{}, fmt.Errorf("request cancel: %w", err)
	}
	existing, getErr := s.GetRun(ctx, id)
	if getErr != nil {
		return repo.RunRecord{}, getErr
	}
	return existing, fmt.Errorf("%w: run %s is %s", repo.ErrConflict, id, existing.Status)
}

func (s *RunStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	var requested bool
	if err := s.db.QueryRowContext(ctx, selectCancelRequestedQuery, id).Scan(&requested); err != nil {
		return false, handleNotFound(err)
	}
	return requested, nil
}

func (s *RunStore) SetLogObjectKey(ctx context.Context, id, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	res, err := s.db.ExecContext(ctx, updateLogObjectKeyQuery, id, nullIfEmpty(key))
	if err != nil {
		return fmt.Errorf("update log object key: %w", err)
	}
	return expectOneRow(res)
}

func scanRun(scanner rowScanner) (repo.RunRecord, error) {
	var (
		run          repo.RunRecord
		status       string
		vars         []byte
		createdBy    sql.NullString
		cancelReason sql.NullString
		errorMessage sql.NullString
		logKey       sql.NullString
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)
	if err := scanner.Scan(
		&run.ID,
		&run.Pipeline,
		&status,
		&run.Spec,
		&vars,
		&createdBy,
		&run.CancelRequested,
		&cancelReason,
		&errorMessage,
		&logKey,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	run.Status = repo.RunStatus(status)
	run.Vars = json.RawMessage(vars)
	run.CreatedBy = createdBy.String
	run.CancelReason = cancelReason.String
	run.ErrorMessage = errorMessage.String
	run.LogObjectKey = logKey.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}
