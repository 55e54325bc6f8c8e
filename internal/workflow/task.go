package workflow

import "context"

// Task is the contract every job implements. Implementations must be safe to
// share across goroutines and must not mutate their own definition while
// executing; all run state lives in the ExecutionContext they receive.
type Task interface {
	ID() string
	Name() string
	Description() string
	// DependsOn lists job ids that must reach a terminal state first.
	DependsOn() []string
	ShouldSkip(ctx context.Context, ec *ExecutionContext) (bool, error)
	ValidatePrerequisites(ctx context.Context, ec *ExecutionContext) error
	Execute(ctx context.Context, ec *ExecutionContext) (JobResult, error)
	// Cleanup is best effort and runs after a failure or cancellation.
	Cleanup(ctx context.Context, ec *ExecutionContext) error
}

// CancellableTask lets a job replace the default cancellation polling done
// around Execute.
type CancellableTask interface {
	Task
	ExecuteWithCancellation(ctx context.Context, ec *ExecutionContext, cancel CancellationProvider) (JobResult, error)
}

// BaseTask carries identity and no-op defaults. Embed it and add Execute.
type BaseTask struct {
	JobID          string
	JobName        string
	JobDescription string
	Dependencies   []string
}

func (b BaseTask) ID() string { return b.JobID }

func (b BaseTask) Name() string {
	if b.JobName == "" {
		return b.JobID
	}
	return b.JobName
}

func (b BaseTask) Description() string { return b.JobDescription }

func (b BaseTask) DependsOn() []string {
	return append([]string(nil), b.Dependencies...)
}

func (BaseTask) ShouldSkip(context.Context, *ExecutionContext) (bool, error) { return false, nil }

func (BaseTask) ValidatePrerequisites(context.Context, *ExecutionContext) error { return nil }

func (BaseTask) Cleanup(context.Context, *ExecutionContext) error { return nil }
