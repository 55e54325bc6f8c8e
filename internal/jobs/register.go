package jobs

import (
	"github.com/shipyard-labs/shipyard-go/internal/pipeline"
	"github.com/shipyard-labs/shipyard-go/internal/storage/objectstore"
	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

type Deps struct {
	DockerBin       string
	GitBin          string
	Store           objectstore.Store
	ArtifactsBucket string
}

// Register installs every built-in job kind into reg.
func Register(reg *pipeline.Registry, deps Deps) {
	reg.Register(KindCommand, func(job pipeline.JobSpec) (workflow.Task, error) {
		var cfg CommandConfig
		if err := pipeline.Decode(job.With, &cfg); err != nil {
			return nil, err
		}
		return NewCommandJob(baseTask(job), cfg)
	})
	reg.Register(KindDockerBuild, func(job pipeline.JobSpec) (workflow.Task, error) {
		var cfg DockerBuildConfig
		if err := pipeline.Decode(job.With, &cfg); err != nil {
			return nil, err
		}
		return NewDockerBuildJob(baseTask(job), deps.DockerBin, cfg)
	})
	reg.Register(KindDeployImage, func(job pipeline.JobSpec) (workflow.Task, error) {
		var cfg DeployImageConfig
		if err := pipeline.Decode(job.With, &cfg); err != nil {
			return nil, err
		}
		return NewDeployImageJob(baseTask(job), deps.DockerBin, cfg)
	})
	reg.Register(KindDownloadRepo, func(job pipeline.JobSpec) (workflow.Task, error) {
		var cfg DownloadRepoConfig
		if err := pipeline.Decode(job.With, &cfg); err != nil {
			return nil, err
		}
		return NewDownloadRepoJob(baseTask(job), deps.GitBin, cfg)
	})
	reg.Register(KindPublishArtifacts, func(job pipeline.JobSpec) (workflow.Task, error) {
		var cfg PublishArtifactsConfig
		if err := pipeline.Decode(job.With, &cfg); err != nil {
			return nil, err
		}
		return NewPublishArtifactsJob(baseTask(job), deps.Store, deps.ArtifactsBucket, cfg)
	})
}

func baseTask(job pipeline.JobSpec) workflow.BaseTask {
	return workflow.BaseTask{
		JobID:          job.ID,
		JobName:        job.Name,
		JobDescription: job.Description,
	}
}
