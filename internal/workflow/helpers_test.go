package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

type funcTask struct {
	BaseTask
	run      func(ctx context.Context, ec *ExecutionContext) (JobResult, error)
	validate func(ctx context.Context, ec *ExecutionContext) error
	skip     bool
	cleanups atomic.Int32
	runs     atomic.Int32
}

func newTask(id string, deps []string, run func(ctx context.Context, ec *ExecutionContext) (JobResult, error)) *funcTask {
	return &funcTask{BaseTask: BaseTask{JobID: id, Dependencies: deps}, run: run}
}

func (t *funcTask) Execute(ctx context.Context, ec *ExecutionContext) (JobResult, error) {
	t.runs.Add(1)
	if t.run == nil {
		return Success(ec), nil
	}
	return t.run(ctx, ec)
}

func (t *funcTask) ShouldSkip(context.Context, *ExecutionContext) (bool, error) {
	return t.skip, nil
}

func (t *funcTask) ValidatePrerequisites(ctx context.Context, ec *ExecutionContext) error {
	if t.validate == nil {
		return nil
	}
	return t.validate(ctx, ec)
}

func (t *funcTask) Cleanup(context.Context, *ExecutionContext) error {
	t.cleanups.Add(1)
	return nil
}

// cancellingTask flips a flag while it executes and ignores the provider.
type cancellingTask struct {
	BaseTask
	flag *atomic.Bool
}

func (t *cancellingTask) Execute(_ context.Context, ec *ExecutionContext) (JobResult, error) {
	t.flag.Store(true)
	return Success(ec), nil
}

func (t *cancellingTask) ExecuteWithCancellation(ctx context.Context, ec *ExecutionContext, _ CancellationProvider) (JobResult, error) {
	return t.Execute(ctx, ec)
}

type memorySink struct {
	mu    sync.Mutex
	lines []string
}

func (s *memorySink) WriteLog(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, message)
	return nil
}

func (s *memorySink) StageID() int64 { return 7 }

func (s *memorySink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type trackedJob struct {
	runID    string
	jobID    string
	status   JobStatus
	message  string
	logs     []string
	outputs  json.RawMessage
	started  bool
	finished bool
}

type memoryTracker struct {
	mu        sync.Mutex
	next      int
	jobs      map[string]*trackedJob
	cancelled []string
	createErr error
}

func newMemoryTracker() *memoryTracker {
	return &memoryTracker{jobs: map[string]*trackedJob{}}
}

func (m *memoryTracker) CreateJobExecution(_ context.Context, runID, jobID string, status JobStatus) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.next++
	id := fmt.Sprintf("exec-%d", m.next)
	m.jobs[id] = &trackedJob{runID: runID, jobID: jobID, status: status}
	return id, nil
}

func (m *memoryTracker) UpdateJobStatus(_ context.Context, executionID string, status JobStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[executionID]
	if !ok {
		return fmt.Errorf("unknown execution %s", executionID)
	}
	job.status = status
	job.message = message
	return nil
}

func (m *memoryTracker) AddJobLogs(_ context.Context, executionID string, lines []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[executionID].logs = append(m.jobs[executionID].logs, lines...)
	return nil
}

func (m *memoryTracker) MarkJobStarted(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[executionID].started = true
	return nil
}

func (m *memoryTracker) MarkJobFinished(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[executionID].finished = true
	return nil
}

func (m *memoryTracker) SaveJobOutputs(_ context.Context, executionID string, outputs json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[executionID].outputs = outputs
	return nil
}

func (m *memoryTracker) CancelPendingJobs(_ context.Context, runID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, reason)
	return nil
}

func (m *memoryTracker) byJob(jobID string) *trackedJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.jobID == jobID {
			copied := *job
			return &copied
		}
	}
	return nil
}

func runConfig(jobs ...JobConfig) RunConfig {
	return RunConfig{
		RunID:             "run-1",
		Jobs:              jobs,
		ContinueOnFailure: true,
		MaxParallelJobs:   1,
		LogSink:           &memorySink{},
	}
}

func required(task Task) JobConfig {
	return JobConfig{Task: task, Required: true}
}
