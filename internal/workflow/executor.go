package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor runs a RunConfig to completion. It is safe for concurrent use;
// each Execute call owns its own graph and semaphore.
type Executor struct {
	tracker JobTracker
	logger  *slog.Logger
}

func NewExecutor(tracker JobTracker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{tracker: tracker, logger: logger}
}

type run struct {
	cfg    RunConfig
	graph  graph
	ec     *ExecutionContext
	sem    *semaphore.Weighted
	cancel CancellationProvider
	logger *slog.Logger
}

type completion struct {
	state  *jobState
	result JobResult
}

// Execute resolves the job graph and runs it batch by batch. It returns the
// final context, or an error wrapping one of the package sentinels.
func (e *Executor) Execute(ctx context.Context, cfg RunConfig, cancel CancellationProvider) (*ExecutionContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cancel == nil {
		cancel = NeverCancelled
	}
	logger := e.logger.With("run_id", cfg.RunID)

	g, err := buildGraph(cfg.Jobs)
	if err != nil {
		return nil, err
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	order, err := g.executionOrder()
	if err != nil {
		return nil, err
	}

	ec := NewExecutionContext(cfg.RunID, cfg.LogSink)
	ec.DeploymentID = cfg.DeploymentID
	ec.ProjectID = cfg.ProjectID
	ec.EnvironmentID = cfg.EnvironmentID
	ec.WorkDir = cfg.WorkDir
	for k, v := range cfg.InitialVars {
		ec.Vars[k] = v
	}

	r := &run{
		cfg:    cfg,
		graph:  g,
		ec:     ec,
		sem:    semaphore.NewWeighted(int64(cfg.MaxParallelJobs)),
		cancel: cancel,
		logger: logger,
	}
	logger.Info("workflow started", "jobs", len(cfg.Jobs), "batches", len(order), "max_parallel_jobs", cfg.MaxParallelJobs)

	for i, batch := range order {
		cancelled, err := r.cancelled(ctx)
		if err != nil {
			return nil, err
		}
		if cancelled {
			logger.Warn("workflow cancelled", "next_batch", i)
			e.cancelPending(ctx, r, "workflow cancelled by user")
			return nil, ErrWorkflowCancelled
		}
		if err := e.executeBatch(ctx, r, i, batch); err != nil {
			return nil, err
		}
	}

	logger.Info("workflow completed")
	return ec, nil
}

func (r *run) cancelled(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	cancelled, err := r.cancel.IsCancelled(ctx, r.cfg.RunID)
	if err != nil {
		return false, fmt.Errorf("%w: cancellation check: %v", ErrOther, err)
	}
	return cancelled, nil
}

func (e *Executor) executeBatch(ctx context.Context, r *run, index int, batch []string) error {
	r.logger.Info("executing job batch", "batch", index, "jobs", batch)
	bookkeeping := context.WithoutCancel(ctx)

	scheduled := make([]*jobState, 0, len(batch))
	for _, id := range batch {
		st := r.graph[id]

		skip, reason, err := r.shouldSkip(ctx, st)
		if err != nil {
			return fmt.Errorf("%w: skip check for job %q: %v", ErrOther, id, err)
		}
		if skip {
			e.markSkipped(bookkeeping, r, st, reason)
			continue
		}

		if err := st.config.Task.ValidatePrerequisites(ctx, r.ec); err != nil {
			r.logger.Error("prerequisites not met", "job_id", id, "error", err)
			if st.config.Required && !r.cfg.ContinueOnFailure {
				reason := fmt.Sprintf("required job '%s' failed validation: %v", id, err)
				e.abandon(bookkeeping, r, scheduled, reason)
				e.cancelPending(ctx, r, reason)
				return fmt.Errorf("%w: prerequisites not met for job %q: %w", ErrJobValidation, id, err)
			}
			e.markSkipped(bookkeeping, r, st, "prerequisites not met: "+err.Error())
			continue
		}

		if e.tracker != nil {
			executionID, err := e.tracker.CreateJobExecution(bookkeeping, r.cfg.RunID, id, StatusRunning)
			if err != nil {
				return fmt.Errorf("%w: create job execution for %q: %v", ErrOther, id, err)
			}
			st.executionID = executionID
		}
		st.status = StatusRunning
		scheduled = append(scheduled, st)
	}

	// Every job in the batch starts from the same snapshot.
	snapshot := r.ec.Clone()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		completed = make([]completion, 0, len(scheduled))
		panics    []string
	)
	for _, st := range scheduled {
		jobCtx := snapshot.Clone()
		wg.Add(1)
		go func(st *jobState) {
			defer wg.Done()
			defer func() {
				if v := recover(); v != nil {
					r.logger.Error("job panicked", "job_id", st.config.Task.ID(), "panic", v)
					msg := fmt.Sprintf("job %q: %v", st.config.Task.ID(), v)
					mu.Lock()
					panics = append(panics, msg)
					completed = append(completed, completion{state: st, result: Failure(nil, "panic: "+msg)})
					mu.Unlock()
				}
			}()
			result := e.runJob(ctx, r, st, jobCtx)
			mu.Lock()
			completed = append(completed, completion{state: st, result: result})
			mu.Unlock()
		}(st)
	}
	wg.Wait()

	// Completion order decides who wins a same-key variable race.
	for _, c := range completed {
		result := c.result
		c.state.result = &result
		c.state.status = result.Status
		r.ec.merge(result.Context, snapshot)
		e.recordResult(bookkeeping, r, c.state)
	}

	if len(panics) > 0 {
		reason := "task execution failed: " + strings.Join(panics, "; ")
		e.cancelPending(ctx, r, reason)
		return fmt.Errorf("%w: %s", ErrOther, reason)
	}

	for _, c := range completed {
		if !c.state.config.Required || c.result.Status != StatusFailure {
			continue
		}
		id := c.state.config.Task.ID()
		message := c.result.Message
		if message == "" {
			message = "unknown error"
		}
		if r.cfg.ContinueOnFailure {
			r.logger.Warn("required job failed, continuing", "job_id", id, "message", message)
			continue
		}
		reason := fmt.Sprintf("required job '%s' failed: %s", id, message)
		r.logger.Error("required job failed, stopping workflow", "job_id", id, "message", message)
		e.cancelPending(ctx, r, reason)
		return fmt.Errorf("%w: %s", ErrJobExecution, reason)
	}
	return nil
}

func (r *run) shouldSkip(ctx context.Context, st *jobState) (bool, string, error) {
	if !st.cond.holds(r.ec) {
		return true, fmt.Sprintf("condition %q not met", st.config.Condition), nil
	}
	skip, err := st.config.Task.ShouldSkip(ctx, r.ec)
	if err != nil {
		return false, "", err
	}
	if skip {
		return true, "skipped by job", nil
	}
	return false, "", nil
}

func (e *Executor) markSkipped(ctx context.Context, r *run, st *jobState, reason string) {
	id := st.config.Task.ID()
	r.logger.Info("skipping job", "job_id", id, "reason", reason)
	st.status = StatusSkipped
	result := Skipped(nil, reason)
	st.result = &result

	if e.tracker == nil {
		return
	}
	executionID, err := e.tracker.CreateJobExecution(ctx, r.cfg.RunID, id, StatusSkipped)
	if err != nil {
		r.logger.Error("failed to record skipped job", "job_id", id, "error", err)
		return
	}
	st.executionID = executionID
	if err := e.tracker.UpdateJobStatus(ctx, executionID, StatusSkipped, reason); err != nil {
		r.logger.Error("failed to update skipped job", "job_id", id, "error", err)
	}
}

// runJob is one concurrent unit of work. Runtime failures are captured as a
// Failure result so siblings are unaffected.
func (e *Executor) runJob(ctx context.Context, r *run, st *jobState, ec *ExecutionContext) JobResult {
	task := st.config.Task
	logger := r.logger.With("job_id", task.ID())

	if err := r.sem.Acquire(ctx, 1); err != nil {
		logger.Warn("job not started", "error", err)
		return Cancelled(ec)
	}
	defer r.sem.Release(1)

	bookkeeping := context.WithoutCancel(ctx)
	if st.executionID != "" {
		if err := e.tracker.MarkJobStarted(bookkeeping, st.executionID); err != nil {
			logger.Error("failed to mark job started", "error", err)
		}
	}
	logger.Info("job started", "name", task.Name())

	errCtx := ec.Clone()
	result, err := executeWithCancellation(ctx, task, ec, r.cancel)
	if err != nil {
		logger.Error("job failed", "error", err)
		if logErr := errCtx.Log(bookkeeping, fmt.Sprintf("job %s failed: %v", task.ID(), err)); logErr != nil {
			logger.Error("failed to write job error to log sink", "error", logErr)
		}
		e.cleanup(bookkeeping, logger, task, errCtx)
		return Failure(errCtx, err.Error())
	}

	if result.Context == nil {
		result.Context = ec
	}
	if !result.Status.Terminal() {
		result = Failure(result.Context, fmt.Sprintf("job returned non-terminal status %q", result.Status))
	}
	logger.Info("job completed", "status", result.Status)

	if len(result.Logs) > 0 && st.executionID != "" {
		if err := e.tracker.AddJobLogs(bookkeeping, st.executionID, result.Logs); err != nil {
			logger.Error("failed to add job logs", "error", err)
		}
	}
	if result.Status == StatusFailure || result.Status == StatusCancelled {
		e.cleanup(bookkeeping, logger, task, result.Context)
	}
	return result
}

func (e *Executor) cleanup(ctx context.Context, logger *slog.Logger, task Task, ec *ExecutionContext) {
	logger.Warn("cleaning up job")
	if err := task.Cleanup(ctx, ec); err != nil {
		logger.Error("job cleanup failed", "error", err)
	}
}

// executeWithCancellation polls the provider before and after Execute unless
// the task brings its own cancellation handling.
func executeWithCancellation(ctx context.Context, task Task, ec *ExecutionContext, cancel CancellationProvider) (JobResult, error) {
	if ct, ok := task.(CancellableTask); ok {
		return ct.ExecuteWithCancellation(ctx, ec, cancel)
	}

	cancelled, err := cancel.IsCancelled(ctx, ec.RunID)
	if err != nil {
		return JobResult{}, err
	}
	if cancelled {
		msg := fmt.Sprintf("deployment cancelled: job '%s' will not execute", task.Name())
		_ = ec.Log(ctx, msg)
		result := Cancelled(ec)
		result.Logs = append(result.Logs, msg)
		return result, nil
	}

	result, err := task.Execute(ctx, ec)
	if err != nil {
		return result, err
	}

	cancelled, err = cancel.IsCancelled(ctx, ec.RunID)
	if err != nil {
		return JobResult{}, err
	}
	if cancelled {
		out := result.Context
		if out == nil {
			out = ec
		}
		msg := fmt.Sprintf("deployment cancelled: job '%s' was cancelled after completion", task.Name())
		_ = out.Log(ctx, msg)
		cancelledResult := Cancelled(out)
		cancelledResult.Logs = append(append([]string(nil), result.Logs...), msg)
		return cancelledResult, nil
	}
	return result, nil
}

func (e *Executor) recordResult(ctx context.Context, r *run, st *jobState) {
	if e.tracker == nil {
		return
	}
	id := st.config.Task.ID()
	if st.executionID == "" {
		r.logger.Warn("job has no execution id, cannot update status", "job_id", id)
		return
	}

	message := st.result.Message
	if st.result.Status == StatusFailure && message == "" {
		message = "job failed"
	}
	if err := e.tracker.UpdateJobStatus(ctx, st.executionID, st.result.Status, message); err != nil {
		r.logger.Error("failed to update job status", "job_id", id, "status", st.result.Status, "error", err)
	}

	if st.result.Status == StatusSuccess {
		if outputs := r.ec.JobOutputs(id); outputs != nil {
			raw, err := marshalOutputs(outputs)
			if err != nil {
				r.logger.Error("failed to encode job outputs", "job_id", id, "error", err)
			} else if err := e.tracker.SaveJobOutputs(ctx, st.executionID, raw); err != nil {
				r.logger.Error("failed to save job outputs", "job_id", id, "error", err)
			}
		}
	}

	if err := e.tracker.MarkJobFinished(ctx, st.executionID); err != nil {
		r.logger.Error("failed to mark job finished", "job_id", id, "error", err)
	}
}

func marshalOutputs(outputs map[string]json.RawMessage) (json.RawMessage, error) {
	raw, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return raw, nil
}

// abandon closes the records of jobs that were admitted to a batch that is
// aborted before any of them ran.
func (e *Executor) abandon(ctx context.Context, r *run, scheduled []*jobState, reason string) {
	for _, st := range scheduled {
		st.status = StatusCancelled
		result := Cancelled(nil)
		result.Message = reason
		st.result = &result
		if e.tracker == nil || st.executionID == "" {
			continue
		}
		id := st.config.Task.ID()
		if err := e.tracker.UpdateJobStatus(ctx, st.executionID, StatusCancelled, reason); err != nil {
			r.logger.Error("failed to cancel admitted job", "job_id", id, "error", err)
		}
		if err := e.tracker.MarkJobFinished(ctx, st.executionID); err != nil {
			r.logger.Error("failed to mark job finished", "job_id", id, "error", err)
		}
	}
}

func (e *Executor) cancelPending(ctx context.Context, r *run, reason string) {
	if e.tracker == nil {
		return
	}
	if err := e.tracker.CancelPendingJobs(context.WithoutCancel(ctx), r.cfg.RunID, reason); err != nil {
		r.logger.Error("failed to cancel pending jobs", "error", err)
	}
}
