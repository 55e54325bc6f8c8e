package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

const KindDownloadRepo = "download_repo"

const (
	defaultCheckoutDir = "src"
	defaultBranch      = "main"
	// VarBranchRef is consulted when a download_repo job names no ref.
	VarBranchRef = "branch_ref"
)

type DownloadRepoConfig struct {
	URL string `json:"url"`
	// Ref is a branch or tag. Commit wins over Ref and forces a full clone.
	Ref    string `json:"ref"`
	Commit string `json:"commit"`
	Dir    string `json:"dir"` // relative to the run work dir
	Depth  int    `json:"depth"`
}

// DownloadRepoJob clones a repository into the run work dir and publishes the
// checkout as its workdir artifact.
type DownloadRepoJob struct {
	workflow.BaseTask
	gitBin string
	cfg    DownloadRepoConfig
}

func NewDownloadRepoJob(base workflow.BaseTask, gitBin string, cfg DownloadRepoConfig) (*DownloadRepoJob, error) {
	gitBin = strings.TrimSpace(gitBin)
	if gitBin == "" {
		gitBin = "git"
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("with.url is required")
	}
	if cfg.Dir == "" {
		cfg.Dir = defaultCheckoutDir
	}
	clean := filepath.Clean(cfg.Dir)
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("with.dir must be a subdirectory of the work dir: %q", cfg.Dir)
	}
	cfg.Dir = clean
	if cfg.Depth < 0 {
		return nil, errors.New("with.depth must be >= 0")
	}
	if cfg.Depth == 0 && cfg.Commit == "" {
		cfg.Depth = 1
	}
	return &DownloadRepoJob{BaseTask: base, gitBin: gitBin, cfg: cfg}, nil
}

func (j *DownloadRepoJob) checkoutDir(ec *workflow.ExecutionContext) string {
	return filepath.Join(ec.WorkDir, j.cfg.Dir)
}

// ref resolves in order: with.ref, the branch_ref var, main.
func (j *DownloadRepoJob) ref(ec *workflow.ExecutionContext) (string, error) {
	if ref := strings.TrimSpace(j.cfg.Ref); ref != "" {
		return ref, nil
	}
	ref, ok, err := workflow.Var[string](ec, VarBranchRef)
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(ref) != "" {
		return strings.TrimSpace(ref), nil
	}
	return defaultBranch, nil
}

func (j *DownloadRepoJob) ValidatePrerequisites(_ context.Context, ec *workflow.ExecutionContext) error {
	if ec.WorkDir == "" {
		return errors.New("run has no work dir to clone into")
	}
	if _, err := exec.LookPath(j.gitBin); err != nil {
		return fmt.Errorf("git binary not found: %w", err)
	}
	entries, err := os.ReadDir(j.checkoutDir(ec))
	if err == nil && len(entries) > 0 {
		return fmt.Errorf("checkout dir %s is not empty", j.cfg.Dir)
	}
	if _, err := j.ref(ec); err != nil {
		return err
	}
	return nil
}

func (j *DownloadRepoJob) Execute(ctx context.Context, ec *workflow.ExecutionContext) (workflow.JobResult, error) {
	ref, err := j.ref(ec)
	if err != nil {
		return workflow.JobResult{}, err
	}
	dir := j.checkoutDir(ec)
	env := map[string]string{"GIT_TERMINAL_PROMPT": "0"}

	args := []string{"clone"}
	if j.cfg.Commit == "" {
		args = append(args, "--branch", ref, "--single-branch")
	}
	if j.cfg.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(j.cfg.Depth))
	}
	args = append(args, j.cfg.URL, dir)

	_ = ec.Log(ctx, fmt.Sprintf("cloning %s (%s) into %s", redactURL(j.cfg.URL), j.describeRef(ref), j.cfg.Dir))
	res, err := runProcess(ctx, ec, ec.WorkDir, env, j.gitBin, args...)
	if err != nil {
		return workflow.JobResult{}, err
	}
	if res.exitCode != 0 {
		return workflow.FailureWithLogs(ec, fmt.Sprintf("git clone exited with code %d", res.exitCode), res.tail), nil
	}
	logs := res.tail

	if j.cfg.Commit != "" {
		res, err := runProcess(ctx, ec, dir, env, j.gitBin, "checkout", "--detach", j.cfg.Commit)
		if err != nil {
			return workflow.JobResult{}, err
		}
		logs = append(logs, res.tail...)
		if res.exitCode != 0 {
			return workflow.FailureWithLogs(ec, fmt.Sprintf("git checkout %s exited with code %d", j.cfg.Commit, res.exitCode), logs), nil
		}
	}

	sha, err := j.head(ctx, dir)
	if err != nil {
		return workflow.JobResult{}, err
	}
	owner, name := repoSlug(j.cfg.URL)
	outputs := []struct {
		key   string
		value string
	}{
		{"commit_sha", sha},
		{"ref", ref},
		{"repo_url", redactURL(j.cfg.URL)},
		{"repo_owner", owner},
		{"repo_name", name},
		{"checkout_dir", dir},
	}
	for _, out := range outputs {
		if err := ec.SetOutput(j.ID(), out.key, out.value); err != nil {
			return workflow.JobResult{}, err
		}
	}
	ec.SetArtifact(j.ID(), ArtifactWorkDir, dir)
	return workflow.SuccessWithLogs(ec, "checked out "+shortSHA(sha), logs), nil
}

func (j *DownloadRepoJob) describeRef(ref string) string {
	if j.cfg.Commit != "" {
		return "commit " + j.cfg.Commit
	}
	return ref
}

func (j *DownloadRepoJob) head(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, j.gitBin, "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w: %s", err, text)
	}
	if text == "" {
		return "", errors.New("git rev-parse printed no commit")
	}
	return strings.Fields(text)[0], nil
}

// Cleanup removes a partial or failed checkout.
func (j *DownloadRepoJob) Cleanup(ctx context.Context, ec *workflow.ExecutionContext) error {
	if ec.WorkDir == "" {
		return nil
	}
	dir := j.checkoutDir(ec)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	_ = ec.Log(ctx, "removed checkout "+j.cfg.Dir)
	return nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("redacted")
	return u.String()
}

// repoSlug reads owner and name from https and scp-style remotes.
func repoSlug(raw string) (owner, name string) {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		p = u.Path
	} else if i := strings.LastIndex(raw, ":"); i >= 0 {
		p = raw[i+1:]
	}
	p = strings.TrimSuffix(strings.Trim(p, "/"), ".git")
	parts := strings.Split(p, "/")
	if len(parts) < 2 {
		return "", p
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
