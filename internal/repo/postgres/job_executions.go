package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shipyard-labs/shipyard-go/internal/repo"
)

type JobExecutionStore struct {
	db DB
}

const jobExecutionColumns = `execution_id, run_id, job_id, status, message, logs, outputs, created_at, started_at, finished_at`

const (
	insertJobExecutionQuery = `INSERT INTO workflow_job_executions (
		execution_id,
		run_id,
		job_id,
		status,
		message,
		logs,
		created_at
	) VALUES ($1,$2,$3,$4,$5,'[]'::jsonb,$6)
	RETURNING ` + jobExecutionColumns

	updateJobStatusQuery = `UPDATE workflow_job_executions
	 SET status = $2, message = COALESCE($3, message)
	 WHERE execution_id = $1`

	markJobStartedQuery = `UPDATE workflow_job_executions
	 SET started_at = COALESCE(started_at, $2)
	 WHERE execution_id = $1`

	markJobFinishedQuery = `UPDATE workflow_job_executions
	 SET finished_at = COALESCE(finished_at, $2)
	 WHERE execution_id = $1`

	appendJobLogsQuery = `UPDATE workflow_job_executions
	 SET logs = logs || $2::jsonb
	 WHERE execution_id = $1`

	saveJobOutputsQuery = `UPDATE workflow_job_executions
	 SET outputs = $2::jsonb
	 WHERE execution_id = $1`

	cancelPendingJobsQuery = `UPDATE workflow_job_executions
	 SET status = 'cancelled', message = $2, finished_at = NOW()
	 WHERE run_id = $1 AND status IN ('pending', 'waiting')`

	listJobExecutionsByRunQuery = `SELECT ` + jobExecutionColumns + `
	 FROM workflow_job_executions
	 WHERE run_id = $1
	 ORDER BY created_at ASC, job_id ASC`
)

func NewJobExecutionStore(db DB) *JobExecutionStore {
	if db == nil {
		return nil
	}
	return &JobExecutionStore{db: db}
}

func (s *JobExecutionStore) CreateJobExecution(ctx context.Context, record repo.JobExecutionRecord) (repo.JobExecutionRecord, error) {
	if s == nil || s.db == nil {
		return repo.JobExecutionRecord{}, fmt.Errorf("job execution store not initialized")
	}
	runID := strings.TrimSpace(record.RunID)
	jobID := strings.TrimSpace(record.JobID)
	status := strings.TrimSpace(record.Status)
	if runID == "" {
		return repo.JobExecutionRecord{}, fmt.Errorf("run id is required")
	}
	if jobID == "" {
		return repo.JobExecutionRecord{}, fmt.Errorf("job id is required")
	}
	if status == "" {
		return repo.JobExecutionRecord{}, fmt.Errorf("status is required")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}

	row := s.db.QueryRowContext(ctx, insertJobExecutionQuery,
		id,
		runID,
		jobID,
		status,
		nullIfEmpty(record.Message),
		normalizeTime(record.CreatedAt),
	)
	created, err := scanJobExecution(row)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.JobExecutionRecord{}, fmt.Errorf("%w: job %s already recorded for run %s", repo.ErrConflict, jobID, runID)
		}
		return repo.JobExecutionRecord{}, fmt.Errorf("insert job execution: %w", err)
	}
	return created, nil
}

func (s *JobExecutionStore) UpdateJobStatus(ctx context.Context, id, status, message string) error {
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("status is required")
	}
	return s.exec(ctx, "update job status", updateJobStatusQuery, id, status, nullIfEmpty(message))
}

func (s *JobExecutionStore) MarkJobStarted(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "mark job started", markJobStartedQuery, id, normalizeTime(at))
}

func (s *JobExecutionStore) MarkJobFinished(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "mark job finished", markJobFinishedQuery, id, normalizeTime(at))
}

func (s *JobExecutionStore) AppendJobLogs(ctx context.Context, id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode job logs: %w", err)
	}
	return s.exec(ctx, "append job logs", appendJobLogsQuery, id, string(raw))
}

func (s *JobExecutionStore) SaveJobOutputs(ctx context.Context, id string, outputs json.RawMessage) error {
	if !json.Valid(outputs) {
		return fmt.Errorf("outputs must be valid json")
	}
	return s.exec(ctx, "save job outputs", saveJobOutputsQuery, id, string(outputs))
}

func (s *JobExecutionStore) CancelPendingJobs(ctx context.Context, runID, reason string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("job execution store not initialized")
	}
	res, err := s.db.ExecContext(ctx, cancelPendingJobsQuery, runID, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *JobExecutionStore) ListJobExecutions(ctx context.Context, runID string) ([]repo.JobExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job execution store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listJobExecutionsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list job executions: %w", err)
	}
	defer rows.Close()

	records := make([]repo.JobExecutionRecord, 0)
	for rows.Next() {
		record, err := scanJobExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job executions: %w", err)
	}
	return records, nil
}

func (s *JobExecutionStore) exec(ctx context.Context, op, query string, args ...any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job execution store not initialized")
	}
	if id, _ := args[0].(string); strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s: execution id is required", op)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOneRow(res)
}

func scanJobExecution(scanner rowScanner) (repo.JobExecutionRecord, error) {
	var (
		record     repo.JobExecutionRecord
		message    sql.NullString
		logs       []byte
		outputs    []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := scanner.Scan(
		&record.ID,
		&record.RunID,
		&record.JobID,
		&record.Status,
		&message,
		&logs,
		&outputs,
		&record.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return repo.JobExecutionRecord{}, handleNotFound(err)
	}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &record.Logs); err != nil {
			return repo.JobExecutionRecord{}, fmt.Errorf("decode job logs: %w", err)
		}
	}
	if len(outputs) > 0 {
		record.Outputs = json.RawMessage(outputs)
	}
	record.Message = message.String
	record.CreatedAt = record.CreatedAt.UTC()
	record.StartedAt = timePtr(startedAt)
	record.FinishedAt = timePtr(finishedAt)
	return record, nil
}
