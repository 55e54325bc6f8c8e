package jobs

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shipyard-labs/shipyard-go/internal/storage/objectstore"
	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

const KindPublishArtifacts = "publish_artifacts"

type PublishArtifactsConfig struct {
	// From lists the jobs whose artifacts are uploaded; they become dependencies.
	From []string `json:"from"`
	// Names restricts the upload to these artifact names when set.
	Names []string `json:"names"`
}

type PublishArtifactsJob struct {
	workflow.BaseTask
	store  objectstore.Store
	bucket string
	cfg    PublishArtifactsConfig
}

func NewPublishArtifactsJob(base workflow.BaseTask, store objectstore.Store, bucket string, cfg PublishArtifactsConfig) (*PublishArtifactsJob, error) {
	if len(cfg.From) == 0 {
		return nil, errors.New("with.from must list at least one job")
	}
	for _, id := range cfg.From {
		if !contains(base.Dependencies, id) {
			base.Dependencies = append(base.Dependencies, id)
		}
	}
	return &PublishArtifactsJob{BaseTask: base, store: store, bucket: bucket, cfg: cfg}, nil
}

func (j *PublishArtifactsJob) DataDependencies() []string {
	return append([]string{}, j.cfg.From...)
}

func ObjectKey(runID, jobID, name string) string {
	return path.Join("runs", runID, jobID, name)
}

func (j *PublishArtifactsJob) ValidatePrerequisites(context.Context, *workflow.ExecutionContext) error {
	if j.store == nil {
		return errors.New("object store is not configured")
	}
	if strings.TrimSpace(j.bucket) == "" {
		return errors.New("artifacts bucket is not configured")
	}
	return nil
}

func (j *PublishArtifactsJob) Execute(ctx context.Context, ec *workflow.ExecutionContext) (workflow.JobResult, error) {
	uploaded := map[string]string{}
	var logs []string
	for _, jobID := range j.cfg.From {
		artifacts := ec.Artifacts[jobID]
		if len(artifacts) == 0 {
			line := fmt.Sprintf("job %s produced no artifacts, nothing to publish", jobID)
			_ = ec.Log(ctx, line)
			logs = append(logs, line)
			continue
		}
		names := make([]string, 0, len(artifacts))
		for name := range artifacts {
			if len(j.cfg.Names) == 0 || contains(j.cfg.Names, name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		for _, name := range names {
			key := ObjectKey(ec.RunID, jobID, name)
			ok, err := j.upload(ctx, artifacts[name], key)
			if err != nil {
				return workflow.JobResult{}, fmt.Errorf("publish %s/%s: %w", jobID, name, err)
			}
			line := fmt.Sprintf("published %s/%s to %s/%s", jobID, name, j.bucket, key)
			if ok {
				uploaded[jobID+"."+name] = key
			} else {
				line = fmt.Sprintf("skipping %s/%s: directories are not published", jobID, name)
			}
			_ = ec.Log(ctx, line)
			logs = append(logs, line)
		}
	}

	if err := ec.SetOutput(j.ID(), "objects", uploaded); err != nil {
		return workflow.JobResult{}, err
	}
	return workflow.SuccessWithLogs(ec, fmt.Sprintf("published %d artifacts", len(uploaded)), logs), nil
}

// upload reports false for directories, which are left out.
func (j *PublishArtifactsJob) upload(ctx context.Context, localPath, key string) (bool, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if err := j.store.Put(ctx, j.bucket, key, f, info.Size(), contentType); err != nil {
		return false, err
	}
	return true, nil
}
