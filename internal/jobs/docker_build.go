package jobs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

const KindDockerBuild = "docker_build"

var ErrImageNotFound = errors.New("image not found")

type DockerBuildConfig struct {
	Tag         string            `json:"tag"`
	Dockerfile  string            `json:"dockerfile"`
	Context     string            `json:"context"`
	ContextFrom string            `json:"context_from"` // job whose workdir artifact is the build context
	BuildArgs   map[string]string `json:"build_args"`
	Pull        bool              `json:"pull"`
}

type DockerBuildJob struct {
	workflow.BaseTask
	dockerBin string
	cfg       DockerBuildConfig
}

func NewDockerBuildJob(base workflow.BaseTask, dockerBin string, cfg DockerBuildConfig) (*DockerBuildJob, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if strings.TrimSpace(cfg.Tag) == "" {
		return nil, errors.New("with.tag is required")
	}
	if cfg.ContextFrom != "" && !contains(base.Dependencies, cfg.ContextFrom) {
		base.Dependencies = append(base.Dependencies, cfg.ContextFrom)
	}
	return &DockerBuildJob{BaseTask: base, dockerBin: dockerBin, cfg: cfg}, nil
}

func (j *DockerBuildJob) DataDependencies() []string {
	if j.cfg.ContextFrom == "" {
		return nil
	}
	return []string{j.cfg.ContextFrom}
}

func (j *DockerBuildJob) buildContext(ec *workflow.ExecutionContext) (string, error) {
	root := ec.WorkDir
	if j.cfg.ContextFrom != "" {
		dir, ok := ec.Artifact(j.cfg.ContextFrom, ArtifactWorkDir)
		if !ok {
			return "", fmt.Errorf("job %q produced no %s artifact", j.cfg.ContextFrom, ArtifactWorkDir)
		}
		root = dir
	}
	if root == "" {
		return "", errors.New("no build context: run has no work dir and context_from is unset")
	}
	return filepath.Join(root, j.cfg.Context), nil
}

func (j *DockerBuildJob) ValidatePrerequisites(_ context.Context, ec *workflow.ExecutionContext) error {
	if _, err := exec.LookPath(j.dockerBin); err != nil {
		return fmt.Errorf("docker binary not found: %w", err)
	}
	_, err := j.buildContext(ec)
	return err
}

func (j *DockerBuildJob) Execute(ctx context.Context, ec *workflow.ExecutionContext) (workflow.JobResult, error) {
	contextDir, err := j.buildContext(ec)
	if err != nil {
		return workflow.JobResult{}, err
	}

	args := []string{"build", "--tag", j.cfg.Tag}
	if j.cfg.Dockerfile != "" {
		args = append(args, "--file", filepath.Join(contextDir, j.cfg.Dockerfile))
	}
	if j.cfg.Pull {
		args = append(args, "--pull")
	}
	keys := make([]string, 0, len(j.cfg.BuildArgs))
	for k := range j.cfg.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+j.cfg.BuildArgs[k])
	}
	args = append(args, contextDir)

	_ = ec.Log(ctx, fmt.Sprintf("building image %s from %s", j.cfg.Tag, contextDir))
	res, err := runProcess(ctx, ec, contextDir, nil, j.dockerBin, args...)
	if err != nil {
		return workflow.JobResult{}, err
	}
	if res.exitCode != 0 {
		return workflow.FailureWithLogs(ec, fmt.Sprintf("docker build exited with code %d", res.exitCode), res.tail), nil
	}

	imageID, err := j.resolveImageID(ctx, j.cfg.Tag)
	if err != nil {
		return workflow.JobResult{}, err
	}
	if err := ec.SetOutput(j.ID(), "image_id", imageID); err != nil {
		return workflow.JobResult{}, err
	}
	if err := ec.SetOutput(j.ID(), "image_tag", j.cfg.Tag); err != nil {
		return workflow.JobResult{}, err
	}
	return workflow.SuccessWithLogs(ec, "built "+j.cfg.Tag, res.tail), nil
}

func (j *DockerBuildJob) resolveImageID(ctx context.Context, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, j.dockerBin, "image", "inspect", "--format", "{{.Id}}", ref)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "no such image") || strings.Contains(lower, "no such object") {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, text)
		}
		return "", fmt.Errorf("docker image inspect failed: %w: %s", err, text)
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty docker image id", ErrImageNotFound)
	}
	return fields[0], nil
}

// Cleanup removes the tag so a failed or cancelled build leaves nothing behind.
func (j *DockerBuildJob) Cleanup(ctx context.Context, ec *workflow.ExecutionContext) error {
	cmd := exec.CommandContext(ctx, j.dockerBin, "image", "rm", "--force", j.cfg.Tag)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.ToLower(strings.TrimSpace(string(out)))
		if strings.Contains(text, "no such image") {
			return nil
		}
		return fmt.Errorf("docker image rm failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	_ = ec.Log(ctx, "removed image "+j.cfg.Tag)
	return nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
