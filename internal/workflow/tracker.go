package workflow

import (
	"context"
	"encoding/json"
)

// JobTracker persists per-job execution records. It is optional; a run
// without a tracker proceeds untracked.
type JobTracker interface {
	CreateJobExecution(ctx context.Context, runID, jobID string, status JobStatus) (string, error)
	UpdateJobStatus(ctx context.Context, executionID string, status JobStatus, message string) error
	AddJobLogs(ctx context.Context, executionID string, lines []string) error
	MarkJobStarted(ctx context.Context, executionID string) error
	MarkJobFinished(ctx context.Context, executionID string) error
	SaveJobOutputs(ctx context.Context, executionID string, outputs json.RawMessage) error
	CancelPendingJobs(ctx context.Context, runID, reason string) error
}

// CancellationProvider answers whether a run was cancelled out of band.
type CancellationProvider interface {
	IsCancelled(ctx context.Context, runID string) (bool, error)
}

type CancellationFunc func(ctx context.Context, runID string) (bool, error)

func (f CancellationFunc) IsCancelled(ctx context.Context, runID string) (bool, error) {
	return f(ctx, runID)
}

// NeverCancelled is used when the caller has no cancellation source.
var NeverCancelled CancellationProvider = CancellationFunc(func(context.Context, string) (bool, error) {
	return false, nil
})
