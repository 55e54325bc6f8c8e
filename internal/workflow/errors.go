package workflow

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDependencyCycle   = errors.New("dependency cycle detected")
	ErrWorkflowCancelled = errors.New("workflow was cancelled")
	ErrJobValidation     = errors.New("job validation failed")
	ErrJobExecution      = errors.New("job execution failed")
	ErrSerialization     = errors.New("serialization error")
	ErrOther             = errors.New("workflow error")
)
