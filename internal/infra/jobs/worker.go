package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
)

// QueueConfig configures the server consuming one queue.
type QueueConfig struct {
	Name        string
	Concurrency int
	Handler     *RequestTaskHandler
}

// WorkerConfig holds the settings shared by every queue server.
type WorkerConfig struct {
	Queues           []QueueConfig
	BusyRequeueDelay time.Duration
	ShutdownTimeout  time.Duration
}

// Worker runs one asynq server per queue so that each queue has its own
// concurrency.
type Worker struct {
	servers []*queueServer
	logger  *logger.Logger
}

type queueServer struct {
	name   string
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker creates a new Worker.
func NewWorker(redisOpt asynq.RedisConnOpt, cfg WorkerConfig, log *logger.Logger) (*Worker, error) {
	if len(cfg.Queues) == 0 {
		return nil, errors.New("no queues configured")
	}

	w := &Worker{logger: log.With("component", "job_worker")}
	for _, q := range cfg.Queues {
		if q.Handler == nil {
			return nil, fmt.Errorf("queue %s has no handler", q.Name)
		}

		mux := asynq.NewServeMux()
		if err := q.Handler.RegisterHandlers(mux); err != nil {
			return nil, fmt.Errorf("queue %s: %w", q.Name, err)
		}

		server := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:     max(q.Concurrency, 1),
			Queues:          map[string]int{q.Name: 1},
			RetryDelayFunc:  retryDelay(cfg.BusyRequeueDelay),
			IsFailure:       isFailure,
			ShutdownTimeout: cfg.ShutdownTimeout,
			ErrorHandler:    errorHandler(w.logger.With("queue", q.Name)),
		})
		w.servers = append(w.servers, &queueServer{name: q.Name, server: server, mux: mux})
	}
	return w, nil
}

// Run starts every queue server, blocks until ctx is done and then drains
// all servers in parallel. In-flight tasks get ShutdownTimeout to finish.
func (w *Worker) Run(ctx context.Context) error {
	for i, qs := range w.servers {
		if err := qs.server.Start(qs.mux); err != nil {
			w.shutdown(w.servers[:i])
			return fmt.Errorf("start queue %s: %w", qs.name, err)
		}
		w.logger.Info("queue server started", "queue", qs.name)
	}

	<-ctx.Done()
	w.shutdown(w.servers)
	return nil
}

func (w *Worker) shutdown(servers []*queueServer) {
	var g errgroup.Group
	for _, qs := range servers {
		qs := qs
		g.Go(func() error {
			w.logger.Info("stopping queue server", "queue", qs.name)
			qs.server.Shutdown()
			return nil
		})
	}
	_ = g.Wait()
}

// retryDelay requeues busy keys after a fixed delay and falls back to the
// broker's default backoff for everything else.
func retryDelay(busyDelay time.Duration) asynq.RetryDelayFunc {
	return func(n int, err error, t *asynq.Task) time.Duration {
		if errors.Is(err, lease.ErrBusy) {
			return busyDelay
		}
		return asynq.DefaultRetryDelayFunc(n, err, t)
	}
}

// isFailure keeps busy requeues from consuming the redelivery budget.
func isFailure(err error) bool {
	return !errors.Is(err, lease.ErrBusy)
}

func errorHandler(log *logger.Logger) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
		if errors.Is(err, lease.ErrBusy) {
			return
		}
		taskID, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		log.Error("task failed",
			"type", t.Type(),
			"task_id", taskID,
			"retried", retried,
			"max_retry", maxRetry,
			"error", err,
		)
	})
}
