package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shipyard-labs/shipyard-go/internal/jobs"
	"github.com/shipyard-labs/shipyard-go/internal/pipeline"
	"github.com/shipyard-labs/shipyard-go/internal/platform/auditlog"
	"github.com/shipyard-labs/shipyard-go/internal/platform/auth"
	"github.com/shipyard-labs/shipyard-go/internal/platform/env"
	"github.com/shipyard-labs/shipyard-go/internal/platform/httpserver"
	"github.com/shipyard-labs/shipyard-go/internal/platform/objectstore"
	"github.com/shipyard-labs/shipyard-go/internal/platform/postgres"
	repopg "github.com/shipyard-labs/shipyard-go/internal/repo/postgres"
	"github.com/shipyard-labs/shipyard-go/internal/service/runs"
	storageobjectstore "github.com/shipyard-labs/shipyard-go/internal/storage/objectstore"
)

const serviceName = "workflows"

type settings struct {
	addr              string
	shutdownTimeout   time.Duration
	logDir            string
	workDir           string
	maxParallelJobs   int
	maxConcurrentRuns int
	keepWorkDir       bool
	logURLTTL         time.Duration
	dockerBin         string
	gitBin            string
	maxPipelineKiB    int
}

func settingsFromEnv() (settings, error) {
	var (
		s   settings
		err error
	)
	s.addr = env.String("WORKFLOWS_HTTP_ADDR", ":8085")
	if s.shutdownTimeout, err = env.Duration("WORKFLOWS_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return settings{}, err
	}
	s.logDir = env.String("WORKFLOWS_LOG_DIR", "")
	s.workDir = env.String("WORKFLOWS_WORK_DIR", "")
	if s.maxParallelJobs, err = env.Int("WORKFLOWS_MAX_PARALLEL_JOBS", 1); err != nil {
		return settings{}, err
	}
	if s.maxConcurrentRuns, err = env.Int("WORKFLOWS_MAX_CONCURRENT_RUNS", 4); err != nil {
		return settings{}, err
	}
	if s.keepWorkDir, err = env.Bool("WORKFLOWS_KEEP_WORKDIR", false); err != nil {
		return settings{}, err
	}
	if s.logURLTTL, err = env.Duration("WORKFLOWS_LOG_URL_TTL", 10*time.Minute); err != nil {
		return settings{}, err
	}
	s.dockerBin = env.String("WORKFLOWS_DOCKER_BIN", "docker")
	s.gitBin = env.String("WORKFLOWS_GIT_BIN", "git")
	if s.maxPipelineKiB, err = env.Int("WORKFLOWS_MAX_PIPELINE_KIB", 512); err != nil {
		return settings{}, err
	}
	return s, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := settingsFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if dbCfg.AutoMigrate {
		if err := repopg.Migrate(ctx, db); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	recorder := auditlog.NewRecorder(db, serviceName)

	registry := pipeline.NewRegistry()
	jobs.Register(registry, jobs.Deps{
		DockerBin:       cfg.dockerBin,
		GitBin:          cfg.gitBin,
		Store:           store,
		ArtifactsBucket: storeCfg.BucketArtifacts,
	})

	svc := runs.New(runs.Config{
		LogDir:             cfg.logDir,
		WorkDir:            cfg.workDir,
		DefaultMaxParallel: cfg.maxParallelJobs,
		MaxConcurrentRuns:  cfg.maxConcurrentRuns,
		LogsBucket:         storeCfg.BucketLogs,
		LogURLTTL:          cfg.logURLTTL,
		KeepWorkDir:        cfg.keepWorkDir,
	},
		repopg.NewRunStore(db),
		repopg.NewJobExecutionStore(db),
		registry,
		runs.WithObjectStore(store),
		runs.WithAuditor(recorder),
		runs.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			serviceName,
			httpserver.ReadinessCheck{
				Name: "run_store",
				Check: func(ctx context.Context) error {
					return postgres.Ping(ctx, db, 750*time.Millisecond)
				},
			},
			httpserver.ReadinessCheck{
				Name: "run_buckets",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
			httpserver.ReadinessCheck{Name: "run_intake", Check: svc.Accepting},
		),
	)

	api := newWorkflowsAPI(logger, svc, int64(cfg.maxPipelineKiB)<<10)
	api.register(mux)

	var handler http.Handler = mux
	switch authCfg.Mode {
	case auth.ModeDisabled:
		logger.Warn("authentication disabled")
	default:
		var authenticator auth.Authenticator
		if authCfg.Mode == auth.ModeDev {
			authenticator = auth.NewDevAuthenticator(authCfg)
		} else {
			oidcSvc, err := auth.NewOIDCService(ctx, authCfg, auth.WithOIDCLogger(logger))
			if err != nil {
				logger.Error("oidc init failed", "error", err)
				os.Exit(1)
			}
			if err := authCfg.ValidateForLogin(); err == nil {
				login, err := oidcSvc.LoginHandler()
				if err != nil {
					logger.Error("oidc login init failed", "error", err)
					os.Exit(2)
				}
				callback, err := oidcSvc.CallbackHandler()
				if err != nil {
					logger.Error("oidc callback init failed", "error", err)
					os.Exit(2)
				}
				mux.HandleFunc("GET /auth/login", login)
				mux.HandleFunc("GET /auth/callback", callback)
				mux.HandleFunc("POST /auth/logout", oidcSvc.LogoutHandler())
			} else {
				logger.Info("oidc browser login disabled", "reason", err)
			}
			authenticator = oidcSvc
		}
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return recorder.AuthDeny(auditCtx, event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz", "/openapi.json", "/auth/"},
		}.Wrap(mux)
	}

	serverCfg := httpserver.Config{
		Service:         serviceName,
		Addr:            cfg.addr,
		ShutdownTimeout: cfg.shutdownTimeout,
	}
	runErr := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, handler))

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("runs did not drain before shutdown timeout", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", runErr)
		os.Exit(1)
	}
}
