package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prodcast/worker/internal/app"
	"github.com/prodcast/worker/internal/config"
	"github.com/prodcast/worker/internal/infra/automation"
	"github.com/prodcast/worker/internal/infra/controller"
	"github.com/prodcast/worker/internal/infra/fetchers"
	"github.com/prodcast/worker/internal/infra/jobs"
	"github.com/prodcast/worker/internal/infra/memory"
	"github.com/prodcast/worker/internal/infra/postgres"
	"github.com/prodcast/worker/internal/infra/redis"
	"github.com/prodcast/worker/internal/infra/sqlite"
	"github.com/prodcast/worker/internal/infra/sqlstore"
	"github.com/prodcast/worker/pkg/backoff"
	domainautomation "github.com/prodcast/worker/pkg/domain/automation"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
)

// Workers holds every long-running component of the worker process.
type Workers struct {
	JobWorker         *jobs.Worker
	JobClient         *jobs.Client
	Scheduler         *app.WorkflowScheduler
	ControllerManager *controller.Manager
	Gate              *app.StoreGate
	artifacts         io.Closer
	log               *logger.Logger
}

// WorkerDeps contains dependencies needed to create workers.
type WorkerDeps struct {
	Config *config.Config
	Log    *logger.Logger
	DB     *sqlstore.DB
	Redis  *redis.Client
}

// NewWorkers wires the execution pipeline:
// broker -> task handler -> service -> executor -> automation client, store.
func NewWorkers(ctx context.Context, deps *WorkerDeps) (*Workers, error) {
	cfg := deps.Config
	log := deps.Log

	w := &Workers{
		Gate:              app.NewStoreGate(cfg.Worker.StoreFailureThreshold, log),
		ControllerManager: controller.NewManager(controller.NewPrometheusMetrics("prodcast"), log),
		log:               log,
	}

	// ==========================================================================
	// Lease tracker (by pool mode)
	// ==========================================================================
	tracker, err := newLeaseTracker(cfg, deps.Redis, log)
	if err != nil {
		return nil, err
	}
	if reaper, ok := tracker.(lease.Reaper); ok {
		w.ControllerManager.Register(controller.NewLeaseReaperController(reaper, cfg.Lease.ReaperInterval))
	}
	w.ControllerManager.Register(controller.NewStoreHealthController(w.Gate, deps.DB, cfg.Worker.StoreProbeInterval))

	// ==========================================================================
	// Automation client
	// ==========================================================================
	var clientOpts []automation.Option
	if cfg.Artifacts.Enabled {
		fetcher, err := newArtifactFetcher(ctx, &cfg.Artifacts, log)
		if err != nil {
			return nil, fmt.Errorf("init artifact fetcher: %w", err)
		}
		clientOpts = append(clientOpts, automation.WithArtifactFetcher(fetcher))
		if c, ok := fetcher.(io.Closer); ok {
			w.artifacts = c
		}
		log.Info("model artifact fetcher enabled", "source", cfg.Artifacts.Source)
	}
	client := automation.NewProcessClient(cfg.Automation, log, clientOpts...)

	// ==========================================================================
	// Services
	// ==========================================================================
	results := sqlstore.NewResultRepository(deps.DB)
	attempts := sqlstore.NewAttemptRepository(deps.DB)

	exec := app.NewExecutor(tracker, client, attempts, results, w.Gate, app.ExecutorConfig{
		WorkerID: cfg.Worker.ID,
		Retry: app.RetryPolicy{
			Budget:  cfg.Retry.Budget,
			Backoff: backoff.NewExponentialWithJitter(cfg.Retry.InitialBackoff, cfg.Retry.MaxBackoff),
		},
		LeaseGrace: cfg.Lease.Grace,
	}, log)

	scenarios := app.NewScenarioService(exec, sqlstore.NewScenarioRepository(deps.DB), cfg.Automation.ScenarioTimeout, log)
	workflows := app.NewWorkflowService(exec, sqlstore.NewWorkflowRunRepository(deps.DB), cfg.Automation.WorkflowStepTimeout, log)

	// ==========================================================================
	// Broker
	// ==========================================================================
	redisOpt := jobs.RedisOpt(&cfg.Redis)
	w.JobClient = jobs.NewClient(redisOpt, jobs.TaskOptionsFromConfig(cfg), log)

	queues := make([]jobs.QueueConfig, 0, len(cfg.Worker.Queues))
	for _, q := range cfg.Worker.Queues {
		var h *jobs.RequestTaskHandler
		switch q {
		case job.QueueScenarios:
			h = jobs.NewRequestTaskHandler(job.KindScenario, scenarios, log)
		case job.QueueWorkflows:
			h = jobs.NewRequestTaskHandler(job.KindWorkflow, workflows, log)
		default:
			return nil, fmt.Errorf("unknown queue %q", q)
		}
		queues = append(queues, jobs.QueueConfig{
			Name:        q,
			Concurrency: cfg.Worker.ConcurrencyFor(q),
			Handler:     h,
		})
		log.Info("queue configured", "queue", q, "concurrency", cfg.Worker.ConcurrencyFor(q))
	}

	w.JobWorker, err = jobs.NewWorker(redisOpt, jobs.WorkerConfig{
		Queues:           queues,
		BusyRequeueDelay: cfg.Worker.BusyRequeueDelay,
		ShutdownTimeout:  cfg.Worker.ShutdownTimeout,
	}, log)
	if err != nil {
		return nil, errors.Join(err, w.Close())
	}

	// ==========================================================================
	// Scheduler
	// ==========================================================================
	if cfg.Scheduler.Enabled {
		w.Scheduler = app.NewWorkflowScheduler(
			sqlstore.NewScheduleRepository(deps.DB),
			sqlstore.NewWorkflowRepository(deps.DB),
			w.JobClient,
			app.WorkflowSchedulerConfig{
				CheckInterval: cfg.Scheduler.Interval,
				BatchSize:     cfg.Scheduler.BatchSize,
			},
			log,
		)
	}

	return w, nil
}

// Start starts the background loops. The job worker itself is run by the
// caller.
func (w *Workers) Start(ctx context.Context) error {
	if err := w.ControllerManager.Start(ctx); err != nil {
		return err
	}
	if w.Scheduler != nil {
		w.Scheduler.Start()
	}
	return nil
}

// Stop stops the background loops.
func (w *Workers) Stop() {
	if w.Scheduler != nil {
		w.Scheduler.Stop()
	}
	w.ControllerManager.Stop()
}

// Close releases the broker client and the artifact cache.
func (w *Workers) Close() error {
	err := w.JobClient.Close()
	if w.artifacts != nil {
		err = errors.Join(err, w.artifacts.Close())
	}
	return err
}

func newLeaseTracker(cfg *config.Config, redisClient *redis.Client, log *logger.Logger) (lease.Tracker, error) {
	switch cfg.Worker.PoolMode {
	case config.PoolModeDistributed:
		log.Info("using redis lease tracker")
		return redis.NewLeaseTracker(redisClient, cfg.Lease.KeyPrefix, log)
	default:
		log.Info("using in-process lease tracker")
		return memory.NewLeaseTracker(log), nil
	}
}

func newArtifactFetcher(ctx context.Context, cfg *config.ArtifactsConfig, log *logger.Logger) (domainautomation.ArtifactFetcher, error) {
	opts := fetchers.FetchOptions{
		Extensions:   cfg.Extensions,
		MaxTotalSize: cfg.MaxSize,
	}

	if cfg.Source == config.ArtifactSourceGit {
		var sshKey []byte
		if cfg.GitAuthType == "ssh" {
			key, err := os.ReadFile(cfg.GitSSHKey)
			if err != nil {
				return nil, fmt.Errorf("read ssh key: %w", err)
			}
			sshKey = key
		}
		return fetchers.NewGitFetcher(fetchers.GitConfig{
			URL:      cfg.GitURL,
			Branch:   cfg.GitBranch,
			AuthType: cfg.GitAuthType,
			Token:    cfg.GitToken,
			SSHKey:   sshKey,
			CacheDir: cfg.GitCacheDir,
			Options:  opts,
		}, log)
	}

	return fetchers.NewS3Fetcher(ctx, fetchers.S3Config{
		Bucket:     cfg.Bucket,
		Region:     cfg.Region,
		Endpoint:   cfg.Endpoint,
		AuthType:   cfg.AuthType,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		RoleARN:    cfg.RoleARN,
		ExternalID: cfg.ExternalID,
		Options:    opts,
	}, log)
}


func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.DB, error) {
	if cfg.Database.Driver == config.DriverSQLite {
		return sqlite.Open(ctx, cfg.Database.SQLitePath)
	}
	return postgres.New(&cfg.Database)
}
