package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// LogSink receives the user-visible log lines of a run.
type LogSink interface {
	WriteLog(ctx context.Context, message string) error
	StageID() int64
}

type discardSink struct{}

func (discardSink) WriteLog(context.Context, string) error { return nil }
func (discardSink) StageID() int64                        { return 0 }

// DiscardSink drops every line.
var DiscardSink LogSink = discardSink{}

// ExecutionContext is the state threaded through every job of a run.
type ExecutionContext struct {
	RunID         string
	DeploymentID  int64
	ProjectID     int64
	EnvironmentID int64

	Vars      map[string]json.RawMessage
	Outputs   map[string]map[string]json.RawMessage
	Artifacts map[string]map[string]string
	WorkDir   string

	sink LogSink
}

func NewExecutionContext(runID string, sink LogSink) *ExecutionContext {
	if sink == nil {
		sink = DiscardSink
	}
	return &ExecutionContext{
		RunID:     runID,
		Vars:      map[string]json.RawMessage{},
		Outputs:   map[string]map[string]json.RawMessage{},
		Artifacts: map[string]map[string]string{},
		sink:      sink,
	}
}

func (ec *ExecutionContext) Sink() LogSink {
	if ec.sink == nil {
		return DiscardSink
	}
	return ec.sink
}

// Log appends one line to the run log sink.
func (ec *ExecutionContext) Log(ctx context.Context, message string) error {
	return ec.Sink().WriteLog(ctx, message)
}

func (ec *ExecutionContext) LogLines(ctx context.Context, lines []string) error {
	for _, line := range lines {
		if err := ec.Log(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (ec *ExecutionContext) SetVar(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: var %q: %v", ErrSerialization, key, err)
	}
	if ec.Vars == nil {
		ec.Vars = map[string]json.RawMessage{}
	}
	ec.Vars[key] = raw
	return nil
}

func (ec *ExecutionContext) SetOutput(jobID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: output %s.%s: %v", ErrSerialization, jobID, key, err)
	}
	if ec.Outputs == nil {
		ec.Outputs = map[string]map[string]json.RawMessage{}
	}
	outputs := ec.Outputs[jobID]
	if outputs == nil {
		outputs = map[string]json.RawMessage{}
		ec.Outputs[jobID] = outputs
	}
	outputs[key] = raw
	return nil
}

func (ec *ExecutionContext) SetArtifact(jobID, name, path string) {
	if ec.Artifacts == nil {
		ec.Artifacts = map[string]map[string]string{}
	}
	artifacts := ec.Artifacts[jobID]
	if artifacts == nil {
		artifacts = map[string]string{}
		ec.Artifacts[jobID] = artifacts
	}
	artifacts[name] = path
}

func (ec *ExecutionContext) Artifact(jobID, name string) (string, bool) {
	path, ok := ec.Artifacts[jobID][name]
	return path, ok
}

// JobOutputs returns the raw outputs written under jobID, or nil.
func (ec *ExecutionContext) JobOutputs(jobID string) map[string]json.RawMessage {
	return ec.Outputs[jobID]
}

// Var decodes a variable. ok is false when the key is absent.
func Var[T any](ec *ExecutionContext, key string) (T, bool, error) {
	var out T
	raw, ok := ec.Vars[key]
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, fmt.Errorf("%w: var %q: %v", ErrSerialization, key, err)
	}
	return out, true, nil
}

// Output decodes a job output. ok is false when the job never wrote the key.
func Output[T any](ec *ExecutionContext, jobID, key string) (T, bool, error) {
	var out T
	raw, ok := ec.Outputs[jobID][key]
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, fmt.Errorf("%w: output %s.%s: %v", ErrSerialization, jobID, key, err)
	}
	return out, true, nil
}

// Clone returns a copy whose maps can be mutated without affecting ec.
// Raw values are shared; they are replaced, never edited in place.
func (ec *ExecutionContext) Clone() *ExecutionContext {
	out := &ExecutionContext{
		RunID:         ec.RunID,
		DeploymentID:  ec.DeploymentID,
		ProjectID:     ec.ProjectID,
		EnvironmentID: ec.EnvironmentID,
		Vars:          make(map[string]json.RawMessage, len(ec.Vars)),
		Outputs:       make(map[string]map[string]json.RawMessage, len(ec.Outputs)),
		Artifacts:     make(map[string]map[string]string, len(ec.Artifacts)),
		WorkDir:       ec.WorkDir,
		sink:          ec.sink,
	}
	for k, v := range ec.Vars {
		out.Vars[k] = v
	}
	for jobID, outputs := range ec.Outputs {
		copied := make(map[string]json.RawMessage, len(outputs))
		for k, v := range outputs {
			copied[k] = v
		}
		out.Outputs[jobID] = copied
	}
	for jobID, artifacts := range ec.Artifacts {
		copied := make(map[string]string, len(artifacts))
		for k, v := range artifacts {
			copied[k] = v
		}
		out.Artifacts[jobID] = copied
	}
	return out
}

// merge applies the writes and deletions a job made relative to the batch
// snapshot base. Values the job left untouched do not overwrite sibling writes.
func (ec *ExecutionContext) merge(from, base *ExecutionContext) {
	if from == nil || from == ec {
		return
	}
	for k, v := range from.Vars {
		if prev, ok := base.Vars[k]; ok && bytes.Equal(prev, v) {
			continue
		}
		ec.Vars[k] = v
	}
	for jobID, outputs := range from.Outputs {
		for k, v := range outputs {
			if prev, ok := base.Outputs[jobID][k]; ok && bytes.Equal(prev, v) {
				continue
			}
			dst := ec.Outputs[jobID]
			if dst == nil {
				dst = map[string]json.RawMessage{}
				ec.Outputs[jobID] = dst
			}
			dst[k] = v
		}
	}
	for jobID, artifacts := range from.Artifacts {
		for k, v := range artifacts {
			if prev, ok := base.Artifacts[jobID][k]; ok && prev == v {
				continue
			}
			dst := ec.Artifacts[jobID]
			if dst == nil {
				dst = map[string]string{}
				ec.Artifacts[jobID] = dst
			}
			dst[k] = v
		}
	}
	// Keys present in the snapshot but gone from the job's copy were deleted.
	for k := range base.Vars {
		if _, ok := from.Vars[k]; !ok {
			delete(ec.Vars, k)
		}
	}
	for jobID, outputs := range base.Outputs {
		for k := range outputs {
			if _, ok := from.Outputs[jobID][k]; !ok {
				delete(ec.Outputs[jobID], k)
			}
		}
		if len(ec.Outputs[jobID]) == 0 {
			delete(ec.Outputs, jobID)
		}
	}
	for jobID, artifacts := range base.Artifacts {
		for k := range artifacts {
			if _, ok := from.Artifacts[jobID][k]; !ok {
				delete(ec.Artifacts[jobID], k)
			}
		}
		if len(ec.Artifacts[jobID]) == 0 {
			delete(ec.Artifacts, jobID)
		}
	}
	if from.WorkDir != base.WorkDir {
		ec.WorkDir = from.WorkDir
	}
}
