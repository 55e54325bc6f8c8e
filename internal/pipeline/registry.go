package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

// Factory turns one job entry into a task.
type Factory func(job JobSpec) (workflow.Task, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.TrimSpace(kind)] = factory
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

type BuildOptions struct {
	RunID         string
	DeploymentID  int64
	ProjectID     int64
	EnvironmentID int64

	// Vars override spec.vars key by key.
	Vars               map[string]any
	Sink               workflow.LogSink
	WorkDir            string
	DefaultMaxParallel int
}

// Build instantiates every job and assembles the run configuration.
func (r *Registry) Build(spec Spec, opts BuildOptions) (workflow.RunConfig, error) {
	if err := spec.Validate(); err != nil {
		return workflow.RunConfig{}, err
	}

	b := workflow.NewBuilder().
		WithRunID(opts.RunID).
		WithDeploymentContext(opts.DeploymentID, opts.ProjectID, opts.EnvironmentID).
		WithLogSink(opts.Sink).
		WithWorkDir(opts.WorkDir)

	for _, key := range sortedKeys(spec.Spec.Vars) {
		b.WithVar(key, normalize(spec.Spec.Vars[key]))
	}
	for _, key := range sortedKeys(opts.Vars) {
		b.WithVar(key, normalize(opts.Vars[key]))
	}

	if spec.Spec.ContinueOnFailure != nil {
		b.ContinueOnFailure(*spec.Spec.ContinueOnFailure)
	}
	switch {
	case spec.Spec.MaxParallelJobs > 0:
		b.WithMaxParallelJobs(spec.Spec.MaxParallelJobs)
	case opts.DefaultMaxParallel > 0:
		b.WithMaxParallelJobs(opts.DefaultMaxParallel)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, job := range spec.Spec.Jobs {
		factory, ok := r.factories[strings.TrimSpace(job.Kind)]
		if !ok {
			return workflow.RunConfig{}, fmt.Errorf("%w: spec.jobs[%d].kind unsupported: %q", ErrInvalidSpec, i, job.Kind)
		}
		task, err := factory(job)
		if err != nil {
			return workflow.RunConfig{}, fmt.Errorf("%w: spec.jobs[%d] (%s): %v", ErrInvalidSpec, i, job.ID, err)
		}
		cfg := workflow.JobConfig{
			Task:      task,
			Required:  !job.Optional,
			Condition: job.If,
		}
		if job.Needs != nil {
			cfg.DependenciesOverride = withDataDependencies(job.Needs, task)
		}
		b.WithJobConfig(cfg)
	}
	return b.Build()
}

// DataDependent is implemented by tasks whose with block reads the outputs or
// artifacts of other jobs. Those jobs stay dependencies under an explicit
// needs list.
type DataDependent interface {
	DataDependencies() []string
}

func withDataDependencies(needs []string, task workflow.Task) []string {
	deps := append([]string{}, needs...)
	dd, ok := task.(DataDependent)
	if !ok {
		return deps
	}
	for _, id := range dd.DataDependencies() {
		if id != "" && !slices.Contains(deps, id) {
			deps = append(deps, id)
		}
	}
	return deps
}

// Decode re-encodes a job's with block into a typed struct.
func Decode(with map[string]any, out any) error {
	raw, err := json.Marshal(normalize(with))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// normalize converts map[any]any values, which encoding/json cannot
// marshal, into map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
