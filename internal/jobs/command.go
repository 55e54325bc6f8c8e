package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

const KindCommand = "command"

// ArtifactWorkDir is the artifact name under which a command job publishes
// the directory it ran in.
const ArtifactWorkDir = "workdir"

type CommandConfig struct {
	Args      []string          `json:"args"`
	Dir       string            `json:"dir"`
	Env       map[string]string `json:"env"`
	Timeout   string            `json:"timeout"`
	Artifacts map[string]string `json:"artifacts"` // name -> path relative to Dir
}

// CommandJob runs argv inside the run work dir.
type CommandJob struct {
	workflow.BaseTask
	cfg     CommandConfig
	timeout time.Duration
}

func NewCommandJob(base workflow.BaseTask, cfg CommandConfig) (*CommandJob, error) {
	if len(cfg.Args) == 0 || strings.TrimSpace(cfg.Args[0]) == "" {
		return nil, errors.New("with.args is required")
	}
	if filepath.IsAbs(cfg.Dir) || strings.HasPrefix(filepath.Clean(cfg.Dir), "..") {
		return nil, fmt.Errorf("with.dir must be relative to the run work dir: %q", cfg.Dir)
	}
	var timeout time.Duration
	if strings.TrimSpace(cfg.Timeout) != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("with.timeout must be a positive duration: %q", cfg.Timeout)
		}
		timeout = d
	}
	return &CommandJob{BaseTask: base, cfg: cfg, timeout: timeout}, nil
}

func (j *CommandJob) dir(ec *workflow.ExecutionContext) string {
	return filepath.Join(ec.WorkDir, j.cfg.Dir)
}

func (j *CommandJob) ValidatePrerequisites(_ context.Context, ec *workflow.ExecutionContext) error {
	if ec.WorkDir == "" {
		return errors.New("run has no work dir")
	}
	return nil
}

func (j *CommandJob) Execute(ctx context.Context, ec *workflow.ExecutionContext) (workflow.JobResult, error) {
	dir := j.dir(ec)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return workflow.JobResult{}, fmt.Errorf("create dir: %w", err)
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	_ = ec.Log(ctx, "$ "+strings.Join(j.cfg.Args, " "))
	res, err := runProcess(ctx, ec, dir, j.cfg.Env, j.cfg.Args[0], j.cfg.Args[1:]...)
	if err != nil {
		return workflow.JobResult{}, err
	}
	if err := ec.SetOutput(j.ID(), "exit_code", res.exitCode); err != nil {
		return workflow.JobResult{}, err
	}
	ec.SetArtifact(j.ID(), ArtifactWorkDir, dir)

	if res.exitCode != 0 {
		return workflow.FailureWithLogs(ec, fmt.Sprintf("command exited with code %d", res.exitCode), res.tail), nil
	}
	for _, name := range sortedNames(j.cfg.Artifacts) {
		p := filepath.Join(dir, j.cfg.Artifacts[name])
		if _, err := os.Stat(p); err != nil {
			return workflow.FailureWithLogs(ec, fmt.Sprintf("declared artifact %q not found: %v", name, err), res.tail), nil
		}
		ec.SetArtifact(j.ID(), name, p)
	}
	return workflow.SuccessWithLogs(ec, "", res.tail), nil
}

func sortedNames(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
