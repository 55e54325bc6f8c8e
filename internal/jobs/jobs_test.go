package jobs

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shipyard-labs/shipyard-go/internal/pipeline"
	"github.com/shipyard-labs/shipyard-go/internal/storage/objectstore"
	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memoryStore) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string]string{}
	}
	m.objects[bucket+"/"+key] = string(data)
	return nil
}

func (m *memoryStore) Stat(context.Context, string, string) (objectstore.ObjectInfo, error) {
	return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
}

func (m *memoryStore) Delete(context.Context, string, string) error { return nil }

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) WriteLog(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, message)
	return nil
}

func (s *lineSink) StageID() int64 { return 0 }

func newContext(t *testing.T, sink workflow.LogSink) *workflow.ExecutionContext {
	t.Helper()
	ec := workflow.NewExecutionContext("run-1", sink)
	ec.WorkDir = t.TempDir()
	return ec
}

func TestCommandJob(t *testing.T) {
	requireShell(t)
	sink := &lineSink{}
	ec := newContext(t, sink)

	job, err := NewCommandJob(workflow.BaseTask{JobID: "hello"}, CommandConfig{
		Args:      []string{"sh", "-c", "echo out; echo err 1>&2; echo $GREETING > greeting.txt"},
		Dir:       "src",
		Env:       map[string]string{"GREETING": "hi"},
		Artifacts: map[string]string{"greeting": "greeting.txt"},
	})
	if err != nil {
		t.Fatalf("NewCommandJob() err=%v", err)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != workflow.StatusSuccess {
		t.Fatalf("status=%s message=%s", result.Status, result.Message)
	}
	if code, ok, _ := workflow.Output[int](ec, "hello", "exit_code"); !ok || code != 0 {
		t.Fatalf("exit_code=%d ok=%v", code, ok)
	}
	if dir, _ := ec.Artifact("hello", ArtifactWorkDir); dir != filepath.Join(ec.WorkDir, "src") {
		t.Fatalf("workdir artifact=%s", dir)
	}
	path, ok := ec.Artifact("hello", "greeting")
	if !ok {
		t.Fatalf("greeting artifact missing")
	}
	if data, _ := os.ReadFile(path); strings.TrimSpace(string(data)) != "hi" {
		t.Fatalf("greeting=%q", data)
	}
	if len(result.Logs) != 2 {
		t.Fatalf("expected 2 captured lines, got %v", result.Logs)
	}
	if len(sink.lines) != 3 || !strings.HasPrefix(sink.lines[0], "$ sh -c") {
		t.Fatalf("unexpected sink lines %v", sink.lines)
	}
}

func TestCommandJobNonZeroExit(t *testing.T) {
	requireShell(t)
	ec := newContext(t, nil)
	job, err := NewCommandJob(workflow.BaseTask{JobID: "fail"}, CommandConfig{Args: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("NewCommandJob() err=%v", err)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != workflow.StatusFailure || result.Message != "command exited with code 3" {
		t.Fatalf("unexpected result %+v", result)
	}
	if code, _, _ := workflow.Output[int](ec, "fail", "exit_code"); code != 3 {
		t.Fatalf("exit_code=%d", code)
	}
}

func TestRunProcessLongLineDoesNotBlock(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available")
	}
	sink := &lineSink{}
	ec := newContext(t, sink)

	type outcome struct {
		res processResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := runProcess(context.Background(), ec, ec.WorkDir, nil, "sh", "-c", "head -c 3000000 /dev/zero | tr '\\0' a")
		done <- outcome{res: res, err: err}
	}()

	select {
	case got := <-done:
		if got.err != nil || got.res.exitCode != 0 {
			t.Fatalf("runProcess() res=%+v err=%v", got.res, got.err)
		}
		if len(got.res.tail) != 1 {
			t.Fatalf("expected one tail line, got %d", len(got.res.tail))
		}
		line := got.res.tail[0]
		if len(line) != maxLineBytes+len(truncatedMark) || !strings.HasSuffix(line, truncatedMark) {
			t.Fatalf("expected truncated line of %d bytes, got %d", maxLineBytes+len(truncatedMark), len(line))
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runProcess still blocked after 10s on a 3MB line")
	}
}

func TestStreamLinesTruncatesAndContinues(t *testing.T) {
	sink := &lineSink{}
	ec := workflow.NewExecutionContext("run-1", sink)
	input := "first\n" + strings.Repeat("x", maxLineBytes*3) + "\r\nlast"

	tail, err := streamLines(context.Background(), ec, strings.NewReader(input))
	if err != nil {
		t.Fatalf("streamLines() err=%v", err)
	}
	if len(tail) != 3 || tail[0] != "first" || tail[2] != "last" {
		t.Fatalf("unexpected tail %q", tail)
	}
	if tail[1] != strings.Repeat("x", maxLineBytes)+truncatedMark {
		t.Fatalf("long line not truncated, len=%d", len(tail[1]))
	}
	if len(sink.lines) != 3 {
		t.Fatalf("expected 3 sink lines, got %d", len(sink.lines))
	}
}

func TestCommandJobConfigValidation(t *testing.T) {
	cases := []CommandConfig{
		{},
		{Args: []string{"ls"}, Dir: "/etc"},
		{Args: []string{"ls"}, Dir: "../up"},
		{Args: []string{"ls"}, Timeout: "soon"},
	}
	for i, cfg := range cases {
		if _, err := NewCommandJob(workflow.BaseTask{JobID: "x"}, cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	job, _ := NewCommandJob(workflow.BaseTask{JobID: "x"}, CommandConfig{Args: []string{"ls"}})
	if err := job.ValidatePrerequisites(context.Background(), workflow.NewExecutionContext("r", nil)); err == nil {
		t.Fatalf("expected error without work dir")
	}
}

const fakeDocker = `#!/bin/sh
echo "$@" >> "$0.calls"
case "$1" in
  build)
    echo "Step 1/1 : FROM scratch"
    [ -n "$FAKE_DOCKER_FAIL" ] && exit 2
    exit 0 ;;
  image)
    case "$2" in
      inspect) echo "sha256:abc123"; exit 0 ;;
      rm) echo "Untagged"; exit 0 ;;
    esac ;;
  run)
    echo "Unable to find image locally, pulling"
    echo "4f2d9c1e7b3a"
    exit 0 ;;
  rm)
    echo "Error response from daemon: No such container: $3" >&2
    exit 1 ;;
esac
exit 1
`

const fakeGit = `#!/bin/sh
echo "$@" >> "$0.calls"
case "$1" in
  clone)
    for last; do :; done
    echo "Cloning into '$last'..."
    [ -n "$FAKE_GIT_FAIL" ] && exit 128
    mkdir -p "$last" && echo "FROM scratch" > "$last/Dockerfile"
    exit 0 ;;
  checkout) exit 0 ;;
  rev-parse) echo "0123456789abcdef0123456789abcdef01234567"; exit 0 ;;
esac
exit 1
`

func writeFakeGit(t *testing.T) string {
	t.Helper()
	requireShell(t)
	path := filepath.Join(t.TempDir(), "git")
	if err := os.WriteFile(path, []byte(fakeGit), 0o755); err != nil {
		t.Fatalf("write fake git: %v", err)
	}
	return path
}

func writeFakeDocker(t *testing.T) string {
	t.Helper()
	requireShell(t)
	path := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(path, []byte(fakeDocker), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	return path
}

func TestDockerBuildJob(t *testing.T) {
	docker := writeFakeDocker(t)
	ec := newContext(t, nil)
	srcDir := filepath.Join(ec.WorkDir, "checkout")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ec.SetArtifact("download", ArtifactWorkDir, srcDir)

	job, err := NewDockerBuildJob(workflow.BaseTask{JobID: "build"}, docker, DockerBuildConfig{
		Tag:         "web:1",
		ContextFrom: "download",
		BuildArgs:   map[string]string{"B": "2", "A": "1"},
	})
	if err != nil {
		t.Fatalf("NewDockerBuildJob() err=%v", err)
	}
	if deps := job.DependsOn(); len(deps) != 1 || deps[0] != "download" {
		t.Fatalf("context_from should add a dependency, got %v", deps)
	}
	if err := job.ValidatePrerequisites(context.Background(), ec); err != nil {
		t.Fatalf("ValidatePrerequisites() err=%v", err)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != workflow.StatusSuccess {
		t.Fatalf("status=%s message=%s", result.Status, result.Message)
	}
	if id, _, _ := workflow.Output[string](ec, "build", "image_id"); id != "sha256:abc123" {
		t.Fatalf("image_id=%s", id)
	}
	if tag, _, _ := workflow.Output[string](ec, "build", "image_tag"); tag != "web:1" {
		t.Fatalf("image_tag=%s", tag)
	}
	calls, _ := os.ReadFile(docker + ".calls")
	if !strings.Contains(string(calls), "--build-arg A=1 --build-arg B=2 "+srcDir) {
		t.Fatalf("unexpected docker calls:\n%s", calls)
	}
}

func TestDockerBuildJobFailureAndCleanup(t *testing.T) {
	docker := writeFakeDocker(t)
	t.Setenv("FAKE_DOCKER_FAIL", "1")
	ec := newContext(t, nil)

	job, err := NewDockerBuildJob(workflow.BaseTask{JobID: "build"}, docker, DockerBuildConfig{Tag: "web:2"})
	if err != nil {
		t.Fatalf("NewDockerBuildJob() err=%v", err)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != workflow.StatusFailure {
		t.Fatalf("expected failure, got %s", result.Status)
	}
	if err := job.Cleanup(context.Background(), ec); err != nil {
		t.Fatalf("Cleanup() err=%v", err)
	}
	calls, _ := os.ReadFile(docker + ".calls")
	if !strings.Contains(string(calls), "image rm --force web:2") {
		t.Fatalf("cleanup did not remove tag:\n%s", calls)
	}
}

func TestDockerBuildJobMissingContextArtifact(t *testing.T) {
	docker := writeFakeDocker(t)
	job, err := NewDockerBuildJob(workflow.BaseTask{JobID: "build"}, docker, DockerBuildConfig{Tag: "web:3", ContextFrom: "download"})
	if err != nil {
		t.Fatalf("NewDockerBuildJob() err=%v", err)
	}
	if err := job.ValidatePrerequisites(context.Background(), newContext(t, nil)); err == nil {
		t.Fatalf("expected error for missing context artifact")
	}
}

func TestDeployImageJob(t *testing.T) {
	docker := writeFakeDocker(t)
	ec := newContext(t, nil)
	if err := ec.SetOutput("build", "image_tag", "web:1"); err != nil {
		t.Fatalf("set output: %v", err)
	}

	job, err := NewDeployImageJob(workflow.BaseTask{JobID: "deploy"}, docker, DeployImageConfig{
		ImageFrom: "build",
		HostPort:  8081,
		Env:       map[string]string{"B": "2", "A": "1"},
	})
	if err != nil {
		t.Fatalf("NewDeployImageJob() err=%v", err)
	}
	if deps := job.DependsOn(); len(deps) != 1 || deps[0] != "build" {
		t.Fatalf("image_from should add a dependency, got %v", deps)
	}
	if err := job.ValidatePrerequisites(context.Background(), ec); err != nil {
		t.Fatalf("ValidatePrerequisites() err=%v", err)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != workflow.StatusSuccess {
		t.Fatalf("status=%s message=%s", result.Status, result.Message)
	}
	if id, _, _ := workflow.Output[string](ec, "deploy", "container_id"); id != "4f2d9c1e7b3a" {
		t.Fatalf("container_id=%q", id)
	}
	if name, _, _ := workflow.Output[string](ec, "deploy", "container_name"); name != "shipyard-run-1-deploy" {
		t.Fatalf("container_name=%q", name)
	}

	if err := job.Cleanup(context.Background(), ec); err != nil {
		t.Fatalf("Cleanup() err=%v", err)
	}
	calls, _ := os.ReadFile(docker + ".calls")
	want := "run --detach --name shipyard-run-1-deploy --restart always " +
		"--label shipyard.run=run-1 --label shipyard.job=deploy " +
		"--publish 8081:8080 --env A=1 --env B=2 web:1"
	if !strings.Contains(string(calls), want) {
		t.Fatalf("unexpected docker calls:\n%s", calls)
	}
	if n := strings.Count(string(calls), "rm --force shipyard-run-1-deploy"); n != 2 {
		t.Fatalf("expected a removal before run and on cleanup, got %d:\n%s", n, calls)
	}
}

func TestDeployImageJobFallsBackToImageID(t *testing.T) {
	docker := writeFakeDocker(t)
	ec := newContext(t, nil)
	job, err := NewDeployImageJob(workflow.BaseTask{JobID: "deploy"}, docker, DeployImageConfig{ImageFrom: "build", Name: "web"})
	if err != nil {
		t.Fatalf("NewDeployImageJob() err=%v", err)
	}
	if err := job.ValidatePrerequisites(context.Background(), ec); err == nil {
		t.Fatalf("expected error when the build job produced no image")
	}

	_ = ec.SetOutput("build", "image_id", "sha256:abc123")
	result, err := job.Execute(context.Background(), ec)
	if err != nil || result.Status != workflow.StatusSuccess {
		t.Fatalf("Execute() status=%s err=%v", result.Status, err)
	}
	if image, _, _ := workflow.Output[string](ec, "deploy", "image"); image != "sha256:abc123" {
		t.Fatalf("image=%q", image)
	}
	calls, _ := os.ReadFile(docker + ".calls")
	if !strings.Contains(string(calls), "--publish 8080 sha256:abc123") {
		t.Fatalf("unexpected docker calls:\n%s", calls)
	}
}

func TestDeployImageConfigValidation(t *testing.T) {
	cases := []DeployImageConfig{
		{},
		{Image: "web:1", Port: 70000},
		{Image: "web:1", HostPort: -1},
	}
	for i, cfg := range cases {
		if _, err := NewDeployImageJob(workflow.BaseTask{JobID: "deploy"}, "docker", cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestDownloadRepoJob(t *testing.T) {
	git := writeFakeGit(t)
	ec := newContext(t, nil)
	if err := ec.SetVar(VarBranchRef, "release/1.2"); err != nil {
		t.Fatalf("set var: %v", err)
	}

	job, err := NewDownloadRepoJob(workflow.BaseTask{JobID: "download"}, git, DownloadRepoConfig{
		URL: "https://token@github.com/acme/web.git",
	})
	if err != nil {
		t.Fatalf("NewDownloadRepoJob() err=%v", err)
	}
	if err := job.ValidatePrerequisites(context.Background(), ec); err != nil {
		t.Fatalf("ValidatePrerequisites() err=%v", err)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != workflow.StatusSuccess {
		t.Fatalf("status=%s message=%s", result.Status, result.Message)
	}

	dir := filepath.Join(ec.WorkDir, "src")
	if got, _ := ec.Artifact("download", ArtifactWorkDir); got != dir {
		t.Fatalf("workdir artifact=%q, want %q", got, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		t.Fatalf("checkout missing: %v", err)
	}
	if ref, _, _ := workflow.Output[string](ec, "download", "ref"); ref != "release/1.2" {
		t.Fatalf("ref=%q", ref)
	}
	if sha, _, _ := workflow.Output[string](ec, "download", "commit_sha"); !strings.HasPrefix(sha, "0123456789ab") {
		t.Fatalf("commit_sha=%q", sha)
	}
	owner, _, _ := workflow.Output[string](ec, "download", "repo_owner")
	name, _, _ := workflow.Output[string](ec, "download", "repo_name")
	if owner != "acme" || name != "web" {
		t.Fatalf("repo=%s/%s", owner, name)
	}
	if url, _, _ := workflow.Output[string](ec, "download", "repo_url"); strings.Contains(url, "token") {
		t.Fatalf("credentials leaked into outputs: %s", url)
	}
	calls, _ := os.ReadFile(git + ".calls")
	if !strings.Contains(string(calls), "clone --branch release/1.2 --single-branch --depth 1 ") {
		t.Fatalf("unexpected git calls:\n%s", calls)
	}
}

func TestDownloadRepoJobCommitAndCleanup(t *testing.T) {
	git := writeFakeGit(t)
	ec := newContext(t, nil)
	job, err := NewDownloadRepoJob(workflow.BaseTask{JobID: "download"}, git, DownloadRepoConfig{
		URL:    "git@github.com:acme/api.git",
		Ref:    "main",
		Commit: "deadbeef",
		Dir:    "checkout",
	})
	if err != nil {
		t.Fatalf("NewDownloadRepoJob() err=%v", err)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil || result.Status != workflow.StatusSuccess {
		t.Fatalf("Execute() status=%s err=%v", result.Status, err)
	}
	calls, _ := os.ReadFile(git + ".calls")
	if strings.Contains(string(calls), "--branch") || !strings.Contains(string(calls), "checkout --detach deadbeef") {
		t.Fatalf("unexpected git calls:\n%s", calls)
	}
	if name, _, _ := workflow.Output[string](ec, "download", "repo_name"); name != "api" {
		t.Fatalf("repo_name=%q", name)
	}

	if err := job.Cleanup(context.Background(), ec); err != nil {
		t.Fatalf("Cleanup() err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(ec.WorkDir, "checkout")); !os.IsNotExist(err) {
		t.Fatalf("checkout not removed: %v", err)
	}
}

func TestDownloadRepoJobCloneFailure(t *testing.T) {
	git := writeFakeGit(t)
	t.Setenv("FAKE_GIT_FAIL", "1")
	ec := newContext(t, nil)
	job, err := NewDownloadRepoJob(workflow.BaseTask{JobID: "download"}, git, DownloadRepoConfig{URL: "https://example.com/a/b.git"})
	if err != nil {
		t.Fatalf("NewDownloadRepoJob() err=%v", err)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != workflow.StatusFailure || !strings.Contains(result.Message, "128") {
		t.Fatalf("status=%s message=%s", result.Status, result.Message)
	}
	if _, ok := ec.Artifact("download", ArtifactWorkDir); ok {
		t.Fatalf("failed clone published a workdir")
	}
}

func TestDownloadRepoConfigValidation(t *testing.T) {
	cases := []DownloadRepoConfig{
		{},
		{URL: "https://example.com/a/b.git", Dir: "/etc"},
		{URL: "https://example.com/a/b.git", Dir: "../up"},
		{URL: "https://example.com/a/b.git", Dir: "."},
		{URL: "https://example.com/a/b.git", Depth: -1},
	}
	for i, cfg := range cases {
		if _, err := NewDownloadRepoJob(workflow.BaseTask{JobID: "download"}, "git", cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestPublishArtifactsJob(t *testing.T) {
	ec := newContext(t, nil)
	report := filepath.Join(ec.WorkDir, "report.txt")
	if err := os.WriteFile(report, []byte("ok"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ec.SetArtifact("test", "report", report)
	ec.SetArtifact("test", ArtifactWorkDir, ec.WorkDir)

	store := &memoryStore{}
	job, err := NewPublishArtifactsJob(workflow.BaseTask{JobID: "publish"}, store, "artifacts", PublishArtifactsConfig{From: []string{"test", "lint"}})
	if err != nil {
		t.Fatalf("NewPublishArtifactsJob() err=%v", err)
	}
	if deps := job.DependsOn(); len(deps) != 2 {
		t.Fatalf("from should become dependencies, got %v", deps)
	}
	result, err := job.Execute(context.Background(), ec)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != workflow.StatusSuccess || result.Message != "published 1 artifacts" {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := store.objects["artifacts/runs/run-1/test/report"]; got != "ok" {
		t.Fatalf("uploaded content=%q", got)
	}
	objects, _, _ := workflow.Output[map[string]string](ec, "publish", "objects")
	if objects["test.report"] != "runs/run-1/test/report" {
		t.Fatalf("objects output=%v", objects)
	}
}

func TestPublishArtifactsRequiresStore(t *testing.T) {
	job, err := NewPublishArtifactsJob(workflow.BaseTask{JobID: "publish"}, nil, "artifacts", PublishArtifactsConfig{From: []string{"a"}})
	if err != nil {
		t.Fatalf("NewPublishArtifactsJob() err=%v", err)
	}
	if err := job.ValidatePrerequisites(context.Background(), newContext(t, nil)); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := NewPublishArtifactsJob(workflow.BaseTask{JobID: "publish"}, nil, "", PublishArtifactsConfig{}); err == nil {
		t.Fatalf("expected error without from")
	}
}

const endToEndPipeline = `
apiVersion: shipyard/v1
kind: Pipeline
metadata:
  name: package
spec:
  continueOnFailure: false
  jobs:
    - id: package
      kind: command
      with:
        args: [sh, -c, "printf bundle > app.tar"]
        artifacts:
          bundle: app.tar
    - id: publish
      kind: publish_artifacts
      with:
        from: [package]
        names: [bundle]
`

func TestPipelineEndToEnd(t *testing.T) {
	requireShell(t)
	store := &memoryStore{}
	reg := pipeline.NewRegistry()
	Register(reg, Deps{Store: store, ArtifactsBucket: "artifacts"})

	spec, err := pipeline.ParseSpec([]byte(endToEndPipeline))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	cfg, err := reg.Build(spec, pipeline.BuildOptions{RunID: "run-9", Sink: workflow.DiscardSink, WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Build() err=%v", err)
	}
	final, err := workflow.NewExecutor(nil, nil).Execute(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if got := store.objects["artifacts/runs/run-9/package/bundle"]; got != "bundle" {
		t.Fatalf("published content=%q", got)
	}
	if _, ok := final.Outputs["publish"]["objects"]; !ok {
		t.Fatalf("publish outputs missing")
	}
}

const neededPipeline = `
apiVersion: shipyard/v1
kind: Pipeline
metadata:
  name: deploy-web
spec:
  jobs:
    - id: download
      kind: download_repo
      with:
        url: https://github.com/acme/web.git
    - id: lint
      kind: command
      needs: []
      with:
        args: [sh, -c, "true"]
    - id: build
      kind: docker_build
      needs: [lint]
      with:
        tag: web:1
        context_from: download
    - id: deploy
      kind: deploy_image
      needs: [lint]
      with:
        image_from: build
    - id: publish
      kind: publish_artifacts
      needs: []
      with:
        from: [download]
`

func TestNeedsKeepsDependenciesFromWith(t *testing.T) {
	reg := pipeline.NewRegistry()
	Register(reg, Deps{})
	spec, err := pipeline.ParseSpec([]byte(neededPipeline))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	cfg, err := reg.Build(spec, pipeline.BuildOptions{RunID: "run-1", Sink: workflow.DiscardSink})
	if err != nil {
		t.Fatalf("Build() err=%v", err)
	}
	plan, err := workflow.Plan(cfg)
	if err != nil {
		t.Fatalf("Plan() err=%v", err)
	}
	batchOf := map[string]int{}
	for i, batch := range plan {
		for _, id := range batch {
			batchOf[id] = i
		}
	}
	if batchOf["build"] <= batchOf["download"] {
		t.Fatalf("build scheduled before its context source: %v", plan)
	}
	if batchOf["deploy"] <= batchOf["build"] {
		t.Fatalf("deploy scheduled before its image: %v", plan)
	}
	if batchOf["publish"] <= batchOf["download"] {
		t.Fatalf("publish scheduled before its artifacts: %v", plan)
	}
}

func TestRegisterRejectsBadWith(t *testing.T) {
	reg := pipeline.NewRegistry()
	Register(reg, Deps{})
	spec := pipeline.Spec{
		APIVersion: pipeline.APIVersionV1,
		Kind:       pipeline.KindPipeline,
		Metadata:   pipeline.Metadata{Name: "bad"},
		Spec: pipeline.Body{Jobs: []pipeline.JobSpec{
			{ID: "build", Kind: KindDockerBuild, With: map[string]any{"dockerfile": "Dockerfile"}},
		}},
	}
	_, err := reg.Build(spec, pipeline.BuildOptions{RunID: "r", Sink: workflow.DiscardSink})
	if !errors.Is(err, pipeline.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}
