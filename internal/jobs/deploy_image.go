package jobs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

const KindDeployImage = "deploy_image"

const (
	defaultContainerPort = 8080
	defaultRestartPolicy = "always"
)

type DeployImageConfig struct {
	// ImageFrom names a docker_build job; its image_tag output (or image_id)
	// is deployed and the job becomes a dependency.
	ImageFrom string            `json:"image_from"`
	Image     string            `json:"image"`
	Name      string            `json:"name"`
	Port      int               `json:"port"`
	HostPort  int               `json:"host_port"` // 0 lets docker pick
	Env       map[string]string `json:"env"`
	Network   string            `json:"network"`
	Restart   string            `json:"restart"`
	Args      []string          `json:"args"` // appended after the image
}

// DeployImageJob starts one detached container from a built or named image.
type DeployImageJob struct {
	workflow.BaseTask
	dockerBin string
	cfg       DeployImageConfig
}

func NewDeployImageJob(base workflow.BaseTask, dockerBin string, cfg DeployImageConfig) (*DeployImageJob, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if strings.TrimSpace(cfg.ImageFrom) == "" && strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("with.image_from or with.image is required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultContainerPort
	}
	if cfg.Port < 1 || cfg.Port > 65535 || cfg.HostPort < 0 || cfg.HostPort > 65535 {
		return nil, errors.New("with.port and with.host_port must be valid ports")
	}
	if strings.TrimSpace(cfg.Restart) == "" {
		cfg.Restart = defaultRestartPolicy
	}
	if cfg.ImageFrom != "" && !contains(base.Dependencies, cfg.ImageFrom) {
		base.Dependencies = append(base.Dependencies, cfg.ImageFrom)
	}
	return &DeployImageJob{BaseTask: base, dockerBin: dockerBin, cfg: cfg}, nil
}

func (j *DeployImageJob) DataDependencies() []string {
	if j.cfg.ImageFrom == "" {
		return nil
	}
	return []string{j.cfg.ImageFrom}
}

func (j *DeployImageJob) image(ec *workflow.ExecutionContext) (string, error) {
	if j.cfg.ImageFrom == "" {
		return j.cfg.Image, nil
	}
	for _, key := range []string{"image_tag", "image_id"} {
		ref, ok, err := workflow.Output[string](ec, j.cfg.ImageFrom, key)
		if err != nil {
			return "", err
		}
		if ok && strings.TrimSpace(ref) != "" {
			return ref, nil
		}
	}
	return "", fmt.Errorf("job %q produced no image_tag or image_id output", j.cfg.ImageFrom)
}

// containerName is stable for a run so Cleanup can find the container
// without relying on Execute having returned.
func (j *DeployImageJob) containerName(ec *workflow.ExecutionContext) string {
	if name := strings.TrimSpace(j.cfg.Name); name != "" {
		return name
	}
	return sanitizeContainerName("shipyard-" + ec.RunID + "-" + j.ID())
}

func (j *DeployImageJob) ValidatePrerequisites(_ context.Context, ec *workflow.ExecutionContext) error {
	if _, err := exec.LookPath(j.dockerBin); err != nil {
		return fmt.Errorf("docker binary not found: %w", err)
	}
	_, err := j.image(ec)
	return err
}

func (j *DeployImageJob) Execute(ctx context.Context, ec *workflow.ExecutionContext) (workflow.JobResult, error) {
	image, err := j.image(ec)
	if err != nil {
		return workflow.JobResult{}, err
	}
	name := j.containerName(ec)

	// A container left from an earlier deployment of the same name blocks docker run.
	if err := j.removeContainer(ctx, name); err != nil {
		return workflow.JobResult{}, err
	}

	args := []string{"run", "--detach", "--name", name, "--restart", j.cfg.Restart,
		"--label", "shipyard.run=" + ec.RunID,
		"--label", "shipyard.job=" + j.ID(),
	}
	if ec.DeploymentID != 0 {
		args = append(args, "--label", "shipyard.deployment="+strconv.FormatInt(ec.DeploymentID, 10))
	}
	if j.cfg.Network != "" {
		args = append(args, "--network", j.cfg.Network)
	}
	publish := strconv.Itoa(j.cfg.Port)
	if j.cfg.HostPort > 0 {
		publish = strconv.Itoa(j.cfg.HostPort) + ":" + publish
	}
	args = append(args, "--publish", publish)
	keys := make([]string, 0, len(j.cfg.Env))
	for k := range j.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+j.cfg.Env[k])
	}
	args = append(args, image)
	args = append(args, j.cfg.Args...)

	_ = ec.Log(ctx, fmt.Sprintf("starting container %s from %s", name, image))
	res, err := runProcess(ctx, ec, ec.WorkDir, nil, j.dockerBin, args...)
	if err != nil {
		return workflow.JobResult{}, err
	}
	if res.exitCode != 0 {
		return workflow.FailureWithLogs(ec, fmt.Sprintf("docker run exited with code %d", res.exitCode), res.tail), nil
	}
	containerID := lastLine(res.tail)
	if containerID == "" {
		return workflow.FailureWithLogs(ec, "docker run printed no container id", res.tail), nil
	}

	outputs := map[string]any{
		"container_id":   containerID,
		"container_name": name,
		"image":          image,
		"port":           j.cfg.Port,
	}
	for _, key := range []string{"container_id", "container_name", "image", "port"} {
		if err := ec.SetOutput(j.ID(), key, outputs[key]); err != nil {
			return workflow.JobResult{}, err
		}
	}
	return workflow.SuccessWithLogs(ec, fmt.Sprintf("deployed %s as %s", image, name), res.tail), nil
}

// Cleanup stops and removes the container so a failed rollout leaves nothing running.
func (j *DeployImageJob) Cleanup(ctx context.Context, ec *workflow.ExecutionContext) error {
	name := j.containerName(ec)
	if err := j.removeContainer(ctx, name); err != nil {
		return err
	}
	_ = ec.Log(ctx, "removed container "+name)
	return nil
}

func (j *DeployImageJob) removeContainer(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, j.dockerBin, "rm", "--force", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.ToLower(strings.TrimSpace(string(out)))
		if strings.Contains(text, "no such container") {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func sanitizeContainerName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
