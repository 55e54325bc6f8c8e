package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JobConfig wraps a task with run-level policy.
type JobConfig struct {
	Task     Task
	Required bool
	// Condition is "vars.<key>" or "!vars.<key>"; empty means always run.
	Condition string
	// DependenciesOverride replaces Task.DependsOn when non-nil. An empty,
	// non-nil slice removes every dependency.
	DependenciesOverride []string
}

func (c JobConfig) dependencies() []string {
	if c.DependenciesOverride != nil {
		return append([]string(nil), c.DependenciesOverride...)
	}
	return c.Task.DependsOn()
}

// RunConfig describes one execution.
type RunConfig struct {
	RunID         string
	DeploymentID  int64
	ProjectID     int64
	EnvironmentID int64

	InitialVars       map[string]json.RawMessage
	Jobs              []JobConfig
	ContinueOnFailure bool
	MaxParallelJobs   int
	LogSink           LogSink
	WorkDir           string
}

func (c RunConfig) Validate() error {
	if strings.TrimSpace(c.RunID) == "" {
		return fmt.Errorf("%w: run id is required", ErrJobValidation)
	}
	if c.MaxParallelJobs < 1 {
		return fmt.Errorf("%w: max parallel jobs must be >= 1 (got %d)", ErrJobValidation, c.MaxParallelJobs)
	}
	for i, job := range c.Jobs {
		if job.Task == nil {
			return fmt.Errorf("%w: job[%d] has no task", ErrJobValidation, i)
		}
		if strings.TrimSpace(job.Task.ID()) == "" {
			return fmt.Errorf("%w: job[%d] id is required", ErrJobValidation, i)
		}
		if _, err := parseCondition(job.Condition); err != nil {
			return fmt.Errorf("%w: job %q: %v", ErrJobValidation, job.Task.ID(), err)
		}
	}
	return nil
}

// Builder assembles a RunConfig. Defaults: continue on failure, one job at a time.
type Builder struct {
	cfg RunConfig
	err error
}

func NewBuilder() *Builder {
	return &Builder{cfg: RunConfig{
		InitialVars:       map[string]json.RawMessage{},
		ContinueOnFailure: true,
		MaxParallelJobs:   1,
	}}
}

func (b *Builder) WithRunID(runID string) *Builder {
	b.cfg.RunID = runID
	return b
}

func (b *Builder) WithDeploymentContext(deploymentID, projectID, environmentID int64) *Builder {
	b.cfg.DeploymentID = deploymentID
	b.cfg.ProjectID = projectID
	b.cfg.EnvironmentID = environmentID
	return b
}

func (b *Builder) WithLogSink(sink LogSink) *Builder {
	b.cfg.LogSink = sink
	return b
}

func (b *Builder) WithWorkDir(dir string) *Builder {
	b.cfg.WorkDir = dir
	return b
}

func (b *Builder) WithVars(vars map[string]json.RawMessage) *Builder {
	for k, v := range vars {
		b.cfg.InitialVars[k] = v
	}
	return b
}

// WithVar JSON-encodes value; an encoding error surfaces from Build.
func (b *Builder) WithVar(key string, value any) *Builder {
	raw, err := json.Marshal(value)
	if err != nil {
		b.err = errors.Join(b.err, fmt.Errorf("%w: var %q: %v", ErrSerialization, key, err))
		return b
	}
	b.cfg.InitialVars[key] = raw
	return b
}

func (b *Builder) WithJob(task Task) *Builder {
	b.cfg.Jobs = append(b.cfg.Jobs, JobConfig{Task: task, Required: true})
	return b
}

func (b *Builder) WithOptionalJob(task Task) *Builder {
	b.cfg.Jobs = append(b.cfg.Jobs, JobConfig{Task: task})
	return b
}

func (b *Builder) WithConditionalJob(task Task, condition string) *Builder {
	b.cfg.Jobs = append(b.cfg.Jobs, JobConfig{Task: task, Condition: condition})
	return b
}

func (b *Builder) WithJobAndDependencies(task Task, dependencies []string) *Builder {
	if dependencies == nil {
		dependencies = []string{}
	}
	b.cfg.Jobs = append(b.cfg.Jobs, JobConfig{Task: task, Required: true, DependenciesOverride: dependencies})
	return b
}

func (b *Builder) WithJobs(tasks ...Task) *Builder {
	for _, task := range tasks {
		b.WithJob(task)
	}
	return b
}

func (b *Builder) WithJobConfig(job JobConfig) *Builder {
	b.cfg.Jobs = append(b.cfg.Jobs, job)
	return b
}

func (b *Builder) ContinueOnFailure(v bool) *Builder {
	b.cfg.ContinueOnFailure = v
	return b
}

func (b *Builder) WithMaxParallelJobs(n int) *Builder {
	b.cfg.MaxParallelJobs = n
	return b
}

func (b *Builder) Build() (RunConfig, error) {
	if b.err != nil {
		return RunConfig{}, b.err
	}
	if b.cfg.LogSink == nil {
		return RunConfig{}, fmt.Errorf("%w: log sink is required", ErrJobValidation)
	}
	if err := b.cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return b.cfg, nil
}
