package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shipyard-labs/shipyard-go/internal/logsink"
	"github.com/shipyard-labs/shipyard-go/internal/pipeline"
	"github.com/shipyard-labs/shipyard-go/internal/platform/auditlog"
	"github.com/shipyard-labs/shipyard-go/internal/repo"
	"github.com/shipyard-labs/shipyard-go/internal/storage/objectstore"
	"github.com/shipyard-labs/shipyard-go/internal/workflow"
	"golang.org/x/sync/semaphore"
)

var (
	ErrLogNotAvailable = errors.New("run log not available")
	ErrShuttingDown    = errors.New("run service is shutting down")
)

const systemActor = "system"

type Config struct {
	LogDir             string
	WorkDir            string
	DefaultMaxParallel int
	MaxConcurrentRuns  int
	LogsBucket         string
	LogURLTTL          time.Duration
	// KeepWorkDir leaves <WorkDir>/<run_id> on disk after the run.
	KeepWorkDir bool
}

func (c Config) withDefaults() Config {
	if c.LogDir == "" {
		c.LogDir = filepath.Join(os.TempDir(), "shipyard", "logs")
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "shipyard", "work")
	}
	if c.DefaultMaxParallel <= 0 {
		c.DefaultMaxParallel = 1
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 4
	}
	if c.LogURLTTL <= 0 {
		c.LogURLTTL = 10 * time.Minute
	}
	return c
}

// Auditor receives run lifecycle events. *auditlog.Recorder satisfies it.
type Auditor interface {
	Record(ctx context.Context, event auditlog.Event) error
}

type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
}

type Option func(*Service)

// WithObjectStore enables log archiving and presigned log links.
func WithObjectStore(store objectstore.Store) Option {
	return func(s *Service) { s.store = store }
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.audit = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type Service struct {
	cfg      Config
	runs     repo.RunRepository
	jobs     repo.JobExecutionRepository
	registry *pipeline.Registry
	store    objectstore.Store
	audit    Auditor
	logger   *slog.Logger
	now      func() time.Time

	slots   *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	closing bool
}

func New(cfg Config, runRepo repo.RunRepository, jobRepo repo.JobExecutionRepository, registry *pipeline.Registry, opts ...Option) *Service {
	if runRepo == nil || jobRepo == nil || registry == nil {
		return nil
	}
	cfg = cfg.withDefaults()
	baseCtx, stop := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		runs:     runRepo,
		jobs:     jobRepo,
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      func() time.Time { return time.Now().UTC() },
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		baseCtx:  baseCtx,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SubmitInput struct {
	PipelineYAML []byte
	// Vars override spec.vars for this run only.
	Vars  map[string]any
	Audit AuditInfo
}

// Submit validates the pipeline, stores it as a queued run and starts it in
// the background. Invalid documents and graphs wrap pipeline.ErrInvalidSpec
// or a workflow sentinel and create nothing.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (repo.RunRecord, error) {
	spec, err := pipeline.ParseSpec(in.PipelineYAML)
	if err != nil {
		return repo.RunRecord{}, err
	}
	runID := uuid.NewString()
	planned, err := s.registry.Build(spec, pipeline.BuildOptions{
		RunID:              runID,
		Vars:               in.Vars,
		Sink:               workflow.DiscardSink,
		DefaultMaxParallel: s.cfg.DefaultMaxParallel,
	})
	if err != nil {
		return repo.RunRecord{}, err
	}
	order, err := workflow.Plan(planned)
	if err != nil {
		return repo.RunRecord{}, err
	}
	vars, err := json.Marshal(nonNilVars(in.Vars))
	if err != nil {
		return repo.RunRecord{}, fmt.Errorf("%w: encode vars: %v", pipeline.ErrInvalidSpec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return repo.RunRecord{}, ErrShuttingDown
	}

	run, err := s.runs.CreateRun(ctx, repo.RunRecord{
		ID:        runID,
		Pipeline:  spec.Metadata.Name,
		Status:    repo.RunQueued,
		Spec:      in.PipelineYAML,
		Vars:      vars,
		CreatedBy: actorOrSystem(in.Audit.Actor),
		CreatedAt: s.now(),
	})
	if err != nil {
		return repo.RunRecord{}, err
	}
	s.logger.Info("run queued", "run_id", run.ID, "pipeline", run.Pipeline, "jobs", len(planned.Jobs), "batches", len(order))
	s.record(ctx, in.Audit, "run.submitted", run, map[string]any{
		"pipeline": run.Pipeline,
		"jobs":     len(planned.Jobs),
	})

	s.wg.Add(1)
	go s.execute(run, spec, in.Vars)
	return run, nil
}

func (s *Service) execute(run repo.RunRecord, spec pipeline.Spec, vars map[string]any) {
	defer s.wg.Done()
	ctx := s.baseCtx
	logger := s.logger.With("run_id", run.ID, "pipeline", run.Pipeline)

	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.finish(logger, run, nil, repo.RunCancelled, ErrShuttingDown.Error())
		return
	}
	defer s.slots.Release(1)

	bookkeeping := context.WithoutCancel(ctx)
	if err := s.runs.UpdateRunStatus(bookkeeping, run.ID, repo.RunRunning, ""); err != nil {
		logger.Error("mark run running failed", "error", err)
	}
	logger.Info("run started")

	workDir := filepath.Join(s.cfg.WorkDir, run.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.finish(logger, run, nil, repo.RunFailed, fmt.Sprintf("create work dir: %v", err))
		return
	}
	if !s.cfg.KeepWorkDir {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				logger.Warn("remove work dir failed", "error", err)
			}
		}()
	}

	sink, err := logsink.Open(s.cfg.LogDir, run.ID, 0)
	if err != nil {
		s.finish(logger, run, nil, repo.RunFailed, fmt.Sprintf("open run log: %v", err))
		return
	}
	defer sink.Close()

	cfg, err := s.registry.Build(spec, pipeline.BuildOptions{
		RunID:              run.ID,
		Vars:               vars,
		Sink:               sink,
		WorkDir:            workDir,
		DefaultMaxParallel: s.cfg.DefaultMaxParallel,
	})
	if err != nil {
		s.finish(logger, run, sink, repo.RunFailed, err.Error())
		return
	}

	tracker := newJobTracker(s.jobs, cfg, s.now)
	executor := workflow.NewExecutor(tracker, logger)
	_, err = executor.Execute(ctx, cfg, s.cancellation())

	status, message := outcome(err, tracker.failedRequired())
	s.finish(logger, run, sink, status, message)
}

// cancellation reports the persisted cancel flag of a run.
func (s *Service) cancellation() workflow.CancellationProvider {
	return workflow.CancellationFunc(func(ctx context.Context, runID string) (bool, error) {
		return s.runs.IsCancelRequested(ctx, runID)
	})
}

func outcome(err error, failed []string) (repo.RunStatus, string) {
	switch {
	case errors.Is(err, workflow.ErrWorkflowCancelled):
		return repo.RunCancelled, "workflow cancelled by user"
	case err != nil:
		return repo.RunFailed, err.Error()
	case len(failed) > 0:
		return repo.RunFailed, fmt.Sprintf("required jobs failed: %s", strings.Join(failed, ", "))
	default:
		return repo.RunSucceeded, ""
	}
}

// finish archives the run log when a store is configured and persists the
// terminal status. It never observes the service context.
func (s *Service) finish(logger *slog.Logger, run repo.RunRecord, sink *logsink.FileSink, status repo.RunStatus, message string) {
	ctx := context.WithoutCancel(s.baseCtx)

	if sink != nil {
		_ = sink.WriteLog(ctx, fmt.Sprintf("run %s %s", run.ID, status))
		if s.store != nil {
			key, err := sink.Archive(ctx, s.store, s.cfg.LogsBucket)
			if err != nil {
				logger.Warn("archive run log failed", "error", err)
			} else if err := s.runs.SetLogObjectKey(ctx, run.ID, key); err != nil {
				logger.Warn("store log object key failed", "error", err)
			}
		}
	}

	if err := s.runs.UpdateRunStatus(ctx, run.ID, status, message); err != nil {
		logger.Error("persist run status failed", "status", string(status), "error", err)
	}
	switch status {
	case repo.RunSucceeded:
		logger.Info("run finished", "status", string(status))
	default:
		logger.Warn("run finished", "status", string(status), "error", message)
	}
	run.Status = status
	s.record(ctx, AuditInfo{Actor: systemActor}, "run.finished", run, map[string]any{
		"status": string(status),
		"error":  message,
	})
}

func (s *Service) Get(ctx context.Context, id string) (repo.RunRecord, error) {
	return s.runs.GetRun(ctx, id)
}

func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]repo.RunRecord, error) {
	return s.runs.ListRuns(ctx, filter)
}

// Jobs lists the execution records of a run; an unknown run is ErrNotFound.
func (s *Service) Jobs(ctx context.Context, id string) ([]repo.JobExecutionRecord, error) {
	if _, err := s.runs.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.jobs.ListJobExecutions(ctx, id)
}

// Cancel requests cancellation. A finished run returns its record together
// with an error wrapping repo.ErrConflict.
func (s *Service) Cancel(ctx context.Context, id, reason string, info AuditInfo) (repo.RunRecord, error) {
	run, err := s.runs.RequestCancel(ctx, id, reason)
	if err != nil {
		return run, err
	}
	s.logger.Info("run cancel requested", "run_id", run.ID, "reason", run.CancelReason, "actor", info.Actor)
	s.record(ctx, info, "run.cancel_requested", run, map[string]any{
		"reason": run.CancelReason,
	})
	return run, nil
}

// LogURL returns a short-lived download link for an archived run log.
func (s *Service) LogURL(ctx context.Context, id string) (string, error) {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return "", err
	}
	presigner, ok := s.store.(objectstore.Presigner)
	if run.LogObjectKey == "" || !ok {
		return "", ErrLogNotAvailable
	}
	return presigner.PresignGet(ctx, s.cfg.LogsBucket, run.LogObjectKey, s.cfg.LogURLTTL)
}

// Wait blocks until every started run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Accepting reports ErrShuttingDown once Shutdown has begun; /readyz uses it.
func (s *Service) Accepting(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	return nil
}

// Shutdown stops accepting runs, cancels the running ones and waits for them
// to persist their final state or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) record(ctx context.Context, info AuditInfo, action string, run repo.RunRecord, payload map[string]any) {
	if s.audit == nil {
		return
	}
	payload["run_id"] = run.ID
	err := s.audit.Record(ctx, auditlog.Event{
		OccurredAt:   s.now(),
		Actor:        actorOrSystem(info.Actor),
		Action:       action,
		ResourceType: "run",
		ResourceID:   run.ID,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload:      payload,
	})
	if err != nil {
		s.logger.Warn("audit event failed", "action", action, "run_id", run.ID, "error", err)
	}
}

func actorOrSystem(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return systemActor
}

func nonNilVars(vars map[string]any) map[string]any {
	if vars == nil {
		return map[string]any{}
	}
	return vars
}
