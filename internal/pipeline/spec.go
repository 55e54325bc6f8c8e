package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	APIVersionV1 = "shipyard/v1"
	KindPipeline = "Pipeline"
)

var ErrInvalidSpec = errors.New("invalid pipeline spec")

var identPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]{0,62}[a-z0-9])?$`)

type Spec struct {
	APIVersion string   `json:"apiVersion" yaml:"apiVersion"`
	Kind       string   `json:"kind" yaml:"kind"`
	Metadata   Metadata `json:"metadata" yaml:"metadata"`
	Spec       Body     `json:"spec" yaml:"spec"`
}

type Metadata struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

type Body struct {
	MaxParallelJobs   int            `json:"maxParallelJobs,omitempty" yaml:"maxParallelJobs,omitempty"`
	ContinueOnFailure *bool          `json:"continueOnFailure,omitempty" yaml:"continueOnFailure,omitempty"`
	Vars              map[string]any `json:"vars,omitempty" yaml:"vars,omitempty"`
	Jobs              []JobSpec      `json:"jobs" yaml:"jobs"`
}

// JobSpec is one entry of spec.jobs. With is handed to the kind's factory
// untouched.
type JobSpec struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        string         `json:"kind" yaml:"kind"`
	Needs       []string       `json:"needs,omitempty" yaml:"needs,omitempty"`
	Optional    bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
	If          string         `json:"if,omitempty" yaml:"if,omitempty"`
	With        map[string]any `json:"with,omitempty" yaml:"with,omitempty"`
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("%w: decode: %v", ErrInvalidSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks the document shape. Dangling needs and cycles are left to
// the executor, which reports them with its own typed errors.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.APIVersion) != APIVersionV1 {
		return fmt.Errorf("%w: apiVersion must be %q", ErrInvalidSpec, APIVersionV1)
	}
	if strings.TrimSpace(s.Kind) != KindPipeline {
		return fmt.Errorf("%w: kind must be %q", ErrInvalidSpec, KindPipeline)
	}
	if !identPattern.MatchString(strings.TrimSpace(s.Metadata.Name)) {
		return fmt.Errorf("%w: metadata.name must match %s", ErrInvalidSpec, identPattern.String())
	}
	if s.Spec.MaxParallelJobs < 0 {
		return fmt.Errorf("%w: spec.maxParallelJobs must be >= 0", ErrInvalidSpec)
	}
	if len(s.Spec.Jobs) == 0 {
		return fmt.Errorf("%w: spec.jobs must be non-empty", ErrInvalidSpec)
	}

	seen := make(map[string]struct{}, len(s.Spec.Jobs))
	for i, job := range s.Spec.Jobs {
		id := strings.TrimSpace(job.ID)
		if id == "" {
			return fmt.Errorf("%w: spec.jobs[%d].id is required", ErrInvalidSpec, i)
		}
		if !identPattern.MatchString(id) {
			return fmt.Errorf("%w: spec.jobs[%d].id %q must match %s", ErrInvalidSpec, i, job.ID, identPattern.String())
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: spec.jobs[%d].id must be unique (duplicate %q)", ErrInvalidSpec, i, id)
		}
		seen[id] = struct{}{}

		if !identPattern.MatchString(strings.TrimSpace(job.Kind)) {
			return fmt.Errorf("%w: spec.jobs[%d].kind is required", ErrInvalidSpec, i)
		}
		for j, need := range job.Needs {
			if strings.TrimSpace(need) == "" {
				return fmt.Errorf("%w: spec.jobs[%d].needs[%d] is empty", ErrInvalidSpec, i, j)
			}
		}
	}
	return nil
}
