// Command jobserver runs the job scheduler, its HTTP API, and the cron
// sweep in a single process, collapsing the teacher's three binaries
// (api, scheduler, executor) into one.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	config "jobserver/configs"
	"jobserver/pkg/activity"
	"jobserver/pkg/api"
	"jobserver/pkg/api/middleware"
	"jobserver/pkg/cron"
	"jobserver/pkg/gitworkflow"
	"jobserver/pkg/handlers"
	"jobserver/pkg/joblog"
	"jobserver/pkg/logger"
	tracing "jobserver/pkg/observability"
	"jobserver/pkg/portbind"
	"jobserver/pkg/registry"
	"jobserver/pkg/scheduler"
	"jobserver/pkg/secrets"
	"jobserver/pkg/store"
	"jobserver/pkg/store/sqlite"
)

// pipelineNames maps every allow-listed pipeline id to its dashboard label.
var pipelineNames = map[string]string{
	"shell":            "Shell Command",
	"duplicate-scan":   "Duplicate File Scan",
	"gitignore-update": "Gitignore Update",
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if _, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   "json",
		OutputPath: "stdout",
		Service:    "jobserver",
	}); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Error("fatal startup error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	tracingCfg := tracing.DefaultConfig("jobserver")
	tracingCfg.Environment = cfg.Env
	tracingCfg.Enabled = cfg.Env == "production"
	tracerProvider, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		_ = tracerProvider.Shutdown(ctx)
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	var jobStore store.Store = db

	secretsSource, err := newSecretsSource(cfg)
	if err != nil {
		return fmt.Errorf("secrets source: %w", err)
	}
	breaker := secrets.NewBreaker(secretsSource, secrets.Config{
		FailureThreshold:  cfg.SecretsFailureThreshold,
		SuccessThreshold:  cfg.SecretsSuccessThreshold,
		Timeout:           time.Duration(cfg.SecretsTimeoutMs) * time.Millisecond,
		BaseDelay:         time.Duration(cfg.SecretsBaseDelayMs) * time.Millisecond,
		BackoffMultiplier: cfg.SecretsBackoffMultiplier,
		MaxBackoff:        time.Duration(cfg.SecretsMaxBackoffMs) * time.Millisecond,
		CacheFile:         filepath.Join(cfg.SecretsCacheDir, "secrets.json"),
		CacheTTL:          5 * time.Minute,
	})
	secretValues, err := breaker.GetSecrets(ctx)
	if err != nil {
		logger.Warn("starting with no resolved secrets", zap.Error(err))
		secretValues = map[string]string{}
	}
	githubToken := cfg.GitHubToken
	if v, ok := secretValues["GITHUB_TOKEN"]; ok && v != "" {
		githubToken = v
	}

	stream := activity.NewStream(0)
	wsBridge := activity.NewWSBridge()
	stream.Subscribe(wsBridge)

	gitCfg := gitworkflow.DefaultConfig()
	gitCfg.BaseBranch = cfg.GitBaseBranch
	gitCfg.BranchPrefix = cfg.GitBranchPrefix
	gitCfg.DryRun = cfg.GitDryRun
	gitCfg.GitHubToken = githubToken
	gitEngine := gitworkflow.NewEngine(gitCfg)

	logWriter, err := joblog.New(cfg.JobLogDir, &joblog.S3Config{Bucket: cfg.JobLogS3Bucket})
	if err != nil {
		return fmt.Errorf("job log writer: %w", err)
	}

	validator := middleware.NewValidator(middleware.DefaultValidatorConfig())
	pipelineHandlers := map[string]scheduler.Handler{
		"shell":            handlers.NewShellHandler(validator),
		"duplicate-scan":   handlers.NewDuplicateScanHandler(),
		"gitignore-update": handlers.NewGitignoreUpdateHandler(),
	}

	factory := func(pipelineID string) registry.Worker {
		sched := scheduler.New(scheduler.Config{
			PipelineID:         pipelineID,
			JobType:            pipelineID,
			MaxConcurrent:      cfg.MaxConcurrent,
			GitWorkflowEnabled: cfg.EnableGitWorkflow,
			Handler:            pipelineHandlers[pipelineID],
			Store:              jobStore,
			Activity:           stream,
			GitEngine:          gitEngine,
		})
		stream.ListenToScheduler(sched)
		archiveOnTerminal(sched, jobStore, logWriter)
		return sched
	}

	allowedIDs := make([]string, 0, len(pipelineHandlers))
	for id := range pipelineHandlers {
		allowedIDs = append(allowedIDs, id)
	}
	reg := registry.New(allowedIDs, factory, 90)

	cronDriver := cron.New(cfg.RunOnStartup)
	if err := cronDriver.Add("principal-sweep", cfg.CronSchedule, func() {
		sweep(ctx, reg, allowedIDs)
	}); err != nil {
		return fmt.Errorf("register cron sweep: %w", err)
	}
	cronDriver.Start()

	server := api.NewServer(api.Config{
		Port:          cfg.Port,
		MigrationKey:  cfg.MigrationKey,
		Registry:      reg,
		Store:         jobStore,
		Activity:      stream,
		WSBridge:      wsBridge,
		PipelineNames: pipelineNames,
	})

	healthSrv := &http.Server{Addr: ":" + cfg.HealthCheckPort, Handler: http.HandlerFunc(healthz)}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server exited", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	shutdownErr := make(chan error, 1)
	go func() {
		shutdownErr <- portbind.SetupGracefulShutdown(ctx, server.HTTPServer(), portbind.ShutdownOptions{
			OnShutdown: func(sig os.Signal) {
				logger.Info("shutting down jobserver", zap.String("signal", sig.String()))
				cronDriver.Stop()
				_ = healthSrv.Shutdown(ctx)
				reg.Shutdown()
			},
			Timeout: 15 * time.Second,
		})
	}()

	select {
	case err := <-errCh:
		return err
	case err := <-shutdownErr:
		return err
	}
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// archiveOnTerminal subscribes an extra listener that writes a job's final
// state to the log archive as soon as it reaches a terminal status,
// independent of the activity stream translation.
func archiveOnTerminal(sched *scheduler.Scheduler, st store.Store, logWriter *joblog.Writer) {
	sched.OnEvent(func(evt activity.SchedulerEvent) {
		if evt.Type != "job:completed" && evt.Type != "job:failed" {
			return
		}
		job, err := st.GetByID(context.Background(), evt.JobID)
		if err != nil {
			logger.Warn("archive: failed to load job", zap.String("job_id", evt.JobID), zap.Error(err))
			return
		}
		if err := logWriter.Archive(context.Background(), job); err != nil {
			logger.Warn("archive: failed to write job log", zap.String("job_id", evt.JobID), zap.Error(err))
		}
	})
}

// sweep runs every allow-listed pipeline's worker once, lazily starting it
// if it is not already running; used by the principal cron schedule to
// reconcile any pipeline that has gone idle.
func sweep(ctx context.Context, reg *registry.Registry, ids []string) {
	for _, id := range ids {
		if _, err := reg.GetWorker(ctx, id); err != nil {
			logger.Warn("cron sweep failed to start worker", zap.String("pipeline_id", id), zap.Error(err))
		}
	}
}

func newSecretsSource(cfg *config.Config) (secrets.Source, error) {
	if cfg.SecretsBackend == "vault" {
		return secrets.NewVaultSource(cfg.VaultAddr, cfg.VaultToken, "secret/data/jobserver")
	}
	return secrets.NewStaticSource(""), nil
}
