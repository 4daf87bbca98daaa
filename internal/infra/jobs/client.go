package jobs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/prodcast/worker/internal/config"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/shared"
	"github.com/prodcast/worker/pkg/logger"
)

// RedisOpt builds the broker connection options.
func RedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opt.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in for self-signed dev brokers
		}
	}
	return opt
}

// Client enqueues and cancels requests.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      TaskOptions
	logger    *logger.Logger
}

// NewClient creates a new job client.
func NewClient(redisOpt asynq.RedisConnOpt, opts TaskOptions, log *logger.Logger) *Client {
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		opts:      opts,
		logger:    log.With("component", "job_client"),
	}
}

// Close closes the client connections.
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}

// Enqueue submits a validated request and returns the task id.
func (c *Client) Enqueue(ctx context.Context, req *job.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	task, err := NewRequestTask(req, c.opts)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", shared.NewDomainError("DUPLICATE_REQUEST",
				fmt.Sprintf("request %s is already queued", req.RequestID), shared.ErrConflict)
		}
		c.logger.Error("failed to enqueue request",
			"job_key", req.Key.String(),
			"request_id", req.RequestID,
			"error", err,
		)
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("request queued",
		"task_id", info.ID,
		"job_key", req.Key.String(),
		"queue", info.Queue,
	)
	return info.ID, nil
}

// Cancel deletes a task that has not started yet. Running tasks cannot be
// canceled: automation calls are not preemptible.
func (c *Client) Cancel(_ context.Context, queue, taskID string) error {
	info, err := c.inspector.GetTaskInfo(queue, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return shared.ErrNotFound
		}
		return fmt.Errorf("failed to inspect task: %w", err)
	}
	if info.State == asynq.TaskStateActive {
		return shared.NewDomainError("TASK_RUNNING",
			fmt.Sprintf("task %s is running and cannot be canceled", taskID), shared.ErrConflict)
	}

	if err := c.inspector.DeleteTask(queue, taskID); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return shared.ErrNotFound
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}

	c.logger.Info("queued request canceled", "task_id", taskID, "queue", queue)
	return nil
}
