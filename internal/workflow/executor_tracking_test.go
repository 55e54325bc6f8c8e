package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestExecuteRecordsJobLifecycle(t *testing.T) {
	job := newTask("build", nil, func(_ context.Context, ec *ExecutionContext) (JobResult, error) {
		if err := ec.SetOutput("build", "image_tag", "app:1"); err != nil {
			return JobResult{}, err
		}
		return SuccessWithLogs(ec, "built", []string{"step 1/2", "step 2/2"}), nil
	})
	tracker := newMemoryTracker()

	if _, err := NewExecutor(tracker, nil).Execute(context.Background(), runConfig(required(job)), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	rec := tracker.byJob("build")
	if rec == nil {
		t.Fatalf("no record for build")
	}
	if rec.runID != "run-1" || rec.status != StatusSuccess || rec.message != "built" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.started || !rec.finished {
		t.Fatalf("expected started and finished, got %+v", rec)
	}
	if len(rec.logs) != 2 {
		t.Fatalf("expected 2 log lines, got %v", rec.logs)
	}
	var outputs map[string]string
	if err := json.Unmarshal(rec.outputs, &outputs); err != nil {
		t.Fatalf("decode outputs: %v", err)
	}
	if outputs["image_tag"] != "app:1" {
		t.Fatalf("unexpected outputs: %v", outputs)
	}
}

func TestExecuteTurnsTaskErrorIntoFailure(t *testing.T) {
	job := newTask("deploy", nil, func(context.Context, *ExecutionContext) (JobResult, error) {
		return JobResult{}, errors.New("connection refused")
	})
	tracker := newMemoryTracker()
	sink := &memorySink{}
	cfg := runConfig(required(job))
	cfg.LogSink = sink

	if _, err := NewExecutor(tracker, nil).Execute(context.Background(), cfg, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	rec := tracker.byJob("deploy")
	if rec == nil || rec.status != StatusFailure || rec.message != "connection refused" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if job.cleanups.Load() != 1 {
		t.Fatalf("expected cleanup after error")
	}
	lines := sink.snapshot()
	if len(lines) != 1 || !strings.Contains(lines[0], "connection refused") {
		t.Fatalf("unexpected sink lines: %v", lines)
	}
}

func TestExecuteSkipsOnConditionAndStillRunsDependents(t *testing.T) {
	notify := newTask("notify", nil, nil)
	after := newTask("after", []string{"notify"}, func(_ context.Context, ec *ExecutionContext) (JobResult, error) {
		if _, ok, _ := Output[string](ec, "notify", "channel"); ok {
			return Failure(ec, "unexpected output"), nil
		}
		return Success(ec), nil
	})
	tracker := newMemoryTracker()
	cfg := runConfig(JobConfig{Task: notify, Condition: "vars.notify"}, required(after))
	cfg.InitialVars = map[string]json.RawMessage{"notify": json.RawMessage("false")}

	if _, err := NewExecutor(tracker, nil).Execute(context.Background(), cfg, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if notify.runs.Load() != 0 {
		t.Fatalf("conditional job ran")
	}
	if after.runs.Load() != 1 {
		t.Fatalf("dependent of skipped job did not run")
	}
	if rec := tracker.byJob("notify"); rec == nil || rec.status != StatusSkipped {
		t.Fatalf("expected skipped record, got %+v", rec)
	}
	if rec := tracker.byJob("after"); rec == nil || rec.status != StatusSuccess {
		t.Fatalf("expected after to succeed, got %+v", rec)
	}
}

func TestExecuteShouldSkip(t *testing.T) {
	job := newTask("migrate", nil, nil)
	job.skip = true
	if _, err := NewExecutor(nil, nil).Execute(context.Background(), runConfig(required(job)), nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if job.runs.Load() != 0 {
		t.Fatalf("skipped job ran")
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	newJobs := func() (*funcTask, *funcTask) {
		build := newTask("build", nil, nil)
		build.validate = func(context.Context, *ExecutionContext) error {
			return errors.New("missing dockerfile")
		}
		deploy := newTask("deploy", []string{"build"}, nil)
		return build, deploy
	}

	build, deploy := newJobs()
	cfg := runConfig(required(build), required(deploy))
	cfg.ContinueOnFailure = false
	_, err := NewExecutor(nil, nil).Execute(context.Background(), cfg, nil)
	if !errors.Is(err, ErrJobValidation) {
		t.Fatalf("expected ErrJobValidation, got %v", err)
	}
	if build.runs.Load() != 0 || deploy.runs.Load() != 0 {
		t.Fatalf("jobs ran after validation abort")
	}

	build, deploy = newJobs()
	tracker := newMemoryTracker()
	cfg = runConfig(required(build), required(deploy))
	if _, err := NewExecutor(tracker, nil).Execute(context.Background(), cfg, nil); err != nil {
		t.Fatalf("execute with continue: %v", err)
	}
	if build.runs.Load() != 0 {
		t.Fatalf("invalid job ran")
	}
	if rec := tracker.byJob("build"); rec == nil || rec.status != StatusSkipped || !strings.Contains(rec.message, "missing dockerfile") {
		t.Fatalf("unexpected build record: %+v", rec)
	}
	if deploy.runs.Load() != 1 {
		t.Fatalf("dependent did not run")
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	job := newTask("boom", nil, func(context.Context, *ExecutionContext) (JobResult, error) {
		panic("nil map")
	})
	_, err := NewExecutor(nil, nil).Execute(context.Background(), runConfig(required(job)), nil)
	if !errors.Is(err, ErrOther) {
		t.Fatalf("expected ErrOther, got %v", err)
	}
	if !strings.Contains(err.Error(), "nil map") {
		t.Fatalf("expected panic value in error, got %v", err)
	}
}

func TestExecuteTrackerCreateFailure(t *testing.T) {
	tracker := newMemoryTracker()
	tracker.createErr = errors.New("db down")
	job := newTask("build", nil, nil)

	_, err := NewExecutor(tracker, nil).Execute(context.Background(), runConfig(required(job)), nil)
	if !errors.Is(err, ErrOther) {
		t.Fatalf("expected ErrOther, got %v", err)
	}
	if job.runs.Load() != 0 {
		t.Fatalf("job ran without an execution record")
	}
}

func TestExecuteRejectsInvalidConfig(t *testing.T) {
	cfg := runConfig(required(newTask("a", nil, nil)))
	cfg.MaxParallelJobs = 0
	if _, err := NewExecutor(nil, nil).Execute(context.Background(), cfg, nil); !errors.Is(err, ErrJobValidation) {
		t.Fatalf("expected ErrJobValidation, got %v", err)
	}

	cfg = runConfig(required(newTask("a", nil, nil)), required(newTask("a", nil, nil)))
	if _, err := NewExecutor(nil, nil).Execute(context.Background(), cfg, nil); !errors.Is(err, ErrJobValidation) {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
}

func TestValidationAbortClosesAdmittedJobs(t *testing.T) {
	a := newTask("a", nil, nil)
	b := newTask("b", nil, nil)
	b.validate = func(context.Context, *ExecutionContext) error {
		return errors.New("registry credentials missing")
	}
	c := newTask("c", []string{"a", "b"}, nil)
	tracker := newMemoryTracker()
	cfg := runConfig(required(a), required(b), required(c))
	cfg.ContinueOnFailure = false

	_, err := NewExecutor(tracker, nil).Execute(context.Background(), cfg, nil)
	if !errors.Is(err, ErrJobValidation) {
		t.Fatalf("expected ErrJobValidation, got %v", err)
	}
	if a.runs.Load() != 0 || c.runs.Load() != 0 {
		t.Fatalf("jobs ran after validation abort")
	}
	rec := tracker.byJob("a")
	if rec == nil || rec.status != StatusCancelled || !rec.finished || rec.started {
		t.Fatalf("admitted job left open: %+v", rec)
	}
	if !strings.Contains(rec.message, "registry credentials missing") {
		t.Fatalf("unexpected cancel message %q", rec.message)
	}
	if len(tracker.cancelled) != 1 || !strings.Contains(tracker.cancelled[0], "required job 'b' failed validation") {
		t.Fatalf("expected pending jobs to be cancelled, got %v", tracker.cancelled)
	}
}

func TestPanicStillRecordsSiblingResults(t *testing.T) {
	a := newTask("a", nil, func(_ context.Context, ec *ExecutionContext) (JobResult, error) {
		if err := ec.SetOutput("a", "image_id", "sha256:1"); err != nil {
			return JobResult{}, err
		}
		return Success(ec), nil
	})
	b := newTask("b", nil, func(context.Context, *ExecutionContext) (JobResult, error) {
		panic("nil map")
	})
	c := newTask("c", []string{"a", "b"}, nil)
	tracker := newMemoryTracker()
	cfg := runConfig(required(a), required(b), required(c))
	cfg.MaxParallelJobs = 2

	_, err := NewExecutor(tracker, nil).Execute(context.Background(), cfg, nil)
	if !errors.Is(err, ErrOther) {
		t.Fatalf("expected ErrOther, got %v", err)
	}
	if c.runs.Load() != 0 {
		t.Fatalf("dependent ran after panic")
	}
	recA := tracker.byJob("a")
	if recA == nil || recA.status != StatusSuccess || !recA.started || !recA.finished {
		t.Fatalf("sibling result dropped: %+v", recA)
	}
	if !strings.Contains(string(recA.outputs), "sha256:1") {
		t.Fatalf("sibling outputs not saved: %s", recA.outputs)
	}
	recB := tracker.byJob("b")
	if recB == nil || recB.status != StatusFailure || !recB.finished || !strings.Contains(recB.message, "nil map") {
		t.Fatalf("panicked job not closed: %+v", recB)
	}
	if len(tracker.cancelled) != 1 {
		t.Fatalf("expected pending jobs to be cancelled, got %v", tracker.cancelled)
	}
}
