// Command worker consumes scenario and workflow requests from the broker
// and runs them against the automation tool.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prodcast/worker/internal/config"
	"github.com/prodcast/worker/internal/infra/http"
	"github.com/prodcast/worker/internal/infra/http/handler"
	"github.com/prodcast/worker/internal/infra/redis"
	"github.com/prodcast/worker/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting worker",
		"app", cfg.App.Name,
		"env", cfg.App.Env,
		"worker_id", cfg.Worker.ID,
		"queues", cfg.Worker.Queues,
		"pool_mode", cfg.Worker.PoolMode,
	)

	// ==========================================================================
	// Infrastructure
	// ==========================================================================
	db, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		return 1
	}
	defer closeWithLog(db, "store", log)
	log.Info("store connected", "driver", db.Dialect().String())

	redisClient, err := redis.New(&cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer closeWithLog(redisClient, "redis", log)
	log.Info("redis connected")

	// ==========================================================================
	// Services & Workers
	// ==========================================================================
	workers, err := NewWorkers(ctx, &WorkerDeps{
		Config: cfg,
		Log:    log,
		DB:     db,
		Redis:  redisClient,
	})
	if err != nil {
		log.Error("failed to initialize workers", "error", err)
		return 1
	}
	defer closeWithLog(workers, "workers", log)

	// ==========================================================================
	// Ops Server
	// ==========================================================================
	health := handler.NewHealthHandler(
		handler.WithDatabase(db),
		handler.WithRedis(redisClient),
		handler.WithStoreGate(workers.Gate),
	)
	server := http.NewServer(cfg.Ops.Addr(), health, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("ops server error", "error", err)
			stop()
		}
	}()

	// ==========================================================================
	// Run until signaled
	// ==========================================================================
	if err := workers.Start(ctx); err != nil {
		log.Error("failed to start workers", "error", err)
		return 1
	}

	log.Info("worker started", "ops_addr", cfg.Ops.Addr())
	if err := workers.JobWorker.Run(ctx); err != nil {
		log.Error("job worker stopped with error", "error", err)
	}

	log.Info("shutting down...")
	workers.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return 1
	}

	log.Info("worker stopped")
	return 0
}

// =============================================================================
// Helper Functions
// =============================================================================

func initLogger(cfg *config.Config) *logger.Logger {
	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	log.SetDefault()
	return log
}

type closer interface {
	Close() error
}

func closeWithLog(c closer, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}
