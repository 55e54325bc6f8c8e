package runs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shipyard-labs/shipyard-go/internal/repo"
	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

// jobTracker adapts a JobExecutionRepository to one run of the executor and
// remembers which jobs have a record and which required jobs failed.
type jobTracker struct {
	jobs     repo.JobExecutionRepository
	now      func() time.Time
	jobIDs   []string
	required map[string]bool

	mu       sync.Mutex
	byExec   map[string]string
	recorded map[string]bool
	failed   []string
}

func newJobTracker(jobs repo.JobExecutionRepository, cfg workflow.RunConfig, now func() time.Time) *jobTracker {
	t := &jobTracker{
		jobs:     jobs,
		now:      now,
		required: make(map[string]bool, len(cfg.Jobs)),
		byExec:   make(map[string]string, len(cfg.Jobs)),
		recorded: make(map[string]bool, len(cfg.Jobs)),
	}
	for _, job := range cfg.Jobs {
		id := job.Task.ID()
		t.jobIDs = append(t.jobIDs, id)
		t.required[id] = job.Required
	}
	return t
}

func (t *jobTracker) CreateJobExecution(ctx context.Context, runID, jobID string, status workflow.JobStatus) (string, error) {
	rec, err := t.jobs.CreateJobExecution(ctx, repo.JobExecutionRecord{
		RunID:     runID,
		JobID:     jobID,
		Status:    status.String(),
		CreatedAt: t.now(),
	})
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.byExec[rec.ID] = jobID
	t.recorded[jobID] = true
	t.mu.Unlock()
	return rec.ID, nil
}

func (t *jobTracker) UpdateJobStatus(ctx context.Context, executionID string, status workflow.JobStatus, message string) error {
	if status == workflow.StatusFailure {
		t.mu.Lock()
		if jobID := t.byExec[executionID]; t.required[jobID] {
			t.failed = append(t.failed, jobID)
		}
		t.mu.Unlock()
	}
	return t.jobs.UpdateJobStatus(ctx, executionID, status.String(), message)
}

func (t *jobTracker) AddJobLogs(ctx context.Context, executionID string, lines []string) error {
	return t.jobs.AppendJobLogs(ctx, executionID, lines)
}

func (t *jobTracker) MarkJobStarted(ctx context.Context, executionID string) error {
	return t.jobs.MarkJobStarted(ctx, executionID, t.now())
}

func (t *jobTracker) MarkJobFinished(ctx context.Context, executionID string) error {
	return t.jobs.MarkJobFinished(ctx, executionID, t.now())
}

func (t *jobTracker) SaveJobOutputs(ctx context.Context, executionID string, outputs json.RawMessage) error {
	return t.jobs.SaveJobOutputs(ctx, executionID, outputs)
}

// CancelPendingJobs cancels every pending or waiting record and then writes a
// cancelled record for each job the executor never reached, so a cancelled
// run lists all of its jobs.
func (t *jobTracker) CancelPendingJobs(ctx context.Context, runID, reason string) error {
	if _, err := t.jobs.CancelPendingJobs(ctx, runID, reason); err != nil {
		return err
	}

	t.mu.Lock()
	missing := make([]string, 0, len(t.jobIDs))
	for _, id := range t.jobIDs {
		if !t.recorded[id] {
			missing = append(missing, id)
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, jobID := range missing {
		rec, err := t.jobs.CreateJobExecution(ctx, repo.JobExecutionRecord{
			RunID:     runID,
			JobID:     jobID,
			Status:    workflow.StatusCancelled.String(),
			Message:   reason,
			CreatedAt: t.now(),
		})
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t.mu.Lock()
		t.byExec[rec.ID] = jobID
		t.recorded[jobID] = true
		t.mu.Unlock()
		if err := t.jobs.MarkJobFinished(ctx, rec.ID, t.now()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// failedRequired lists required jobs that ended in failure, in failure order.
func (t *jobTracker) failedRequired() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.failed...)
}
