package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// RunRecord is one submitted pipeline execution.
type RunRecord struct {
	ID              string
	Pipeline        string
	Status          RunStatus
	Spec            []byte
	Vars            json.RawMessage
	CreatedBy       string
	CancelRequested bool
	CancelReason    string
	ErrorMessage    string
	LogObjectKey    string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// JobExecutionRecord is the persisted state of one job within a run.
type JobExecutionRecord struct {
	ID         string
	RunID      string
	JobID      string
	Status     string
	Message    string
	Logs       []string
	Outputs    json.RawMessage
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type RunFilter struct {
	Pipeline string
	Status   RunStatus
	Limit    int
}

type RunRepository interface {
	CreateRun(ctx context.Context, run RunRecord) (RunRecord, error)
	GetRun(ctx context.Context, id string) (RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	// UpdateRunStatus stamps started_at on running and finished_at on terminal states.
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errorMessage string) error
	RequestCancel(ctx context.Context, id, reason string) (RunRecord, error)
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	SetLogObjectKey(ctx context.Context, id, key string) error
}

type JobExecutionRepository interface {
	CreateJobExecution(ctx context.Context, record JobExecutionRecord) (JobExecutionRecord, error)
	UpdateJobStatus(ctx context.Context, id, status, message string) error
	MarkJobStarted(ctx context.Context, id string, at time.Time) error
	MarkJobFinished(ctx context.Context, id string, at time.Time) error
	AppendJobLogs(ctx context.Context, id string, lines []string) error
	SaveJobOutputs(ctx context.Context, id string, outputs json.RawMessage) error
	// CancelPendingJobs moves pending and waiting jobs of a run to cancelled.
	CancelPendingJobs(ctx context.Context, runID, reason string) (int64, error)
	ListJobExecutions(ctx context.Context, runID string) ([]JobExecutionRecord, error)
}
