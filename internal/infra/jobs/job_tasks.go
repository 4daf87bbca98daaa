// Package jobs connects job requests to the asynq broker.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/prodcast/worker/internal/app"
	"github.com/prodcast/worker/internal/config"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
)

// =============================================================================
// Task Types
// =============================================================================

const (
	// TypeScenario is the task type for scenario requests.
	TypeScenario = "prodcast:scenario"
	// TypeWorkflow is the task type for workflow requests.
	TypeWorkflow = "prodcast:workflow"
)

// TaskType returns the task type for a request kind.
func TaskType(kind job.Kind) (string, error) {
	switch kind {
	case job.KindScenario:
		return TypeScenario, nil
	case job.KindWorkflow:
		return TypeWorkflow, nil
	}
	return "", fmt.Errorf("kind %q cannot be enqueued", kind)
}

// =============================================================================
// Task Creators
// =============================================================================

// TaskOptions holds per-task broker settings.
type TaskOptions struct {
	MaxRedeliveries int
	// Timeout bounds the whole task including in-handler retries.
	Timeout time.Duration
	// StepTimeout is the longest one workflow step can take. A workflow
	// task's timeout is raised to StepTimeout per step when that is longer.
	StepTimeout time.Duration
	// Retention keeps completed tasks visible to the inspector.
	Retention time.Duration
}

// TaskOptionsFromConfig derives broker settings from the worker config.
func TaskOptionsFromConfig(cfg *config.Config) TaskOptions {
	return TaskOptions{
		MaxRedeliveries: cfg.Worker.MaxRedeliveries,
		Timeout:         cfg.Worker.TaskTimeout,
		StepTimeout:     cfg.BudgetTimeout(cfg.Automation.WorkflowStepTimeout),
	}
}

// timeoutFor returns the broker timeout of req.
func (o TaskOptions) timeoutFor(req *job.Request) time.Duration {
	if req.Kind != job.KindWorkflow || o.StepTimeout <= 0 {
		return o.Timeout
	}
	p, err := req.Workflow()
	if err != nil {
		return o.Timeout
	}
	return max(o.Timeout, time.Duration(len(p.Steps))*o.StepTimeout)
}

// NewRequestTask wraps a request in a task routed to its kind's queue. The
// request id is used as task id so the same request is never enqueued twice.
func NewRequestTask(req *job.Request, opts TaskOptions) (*asynq.Task, error) {
	typ, err := TaskType(req.Kind)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	taskOpts := []asynq.Option{
		asynq.Queue(req.Kind.Queue()),
		asynq.TaskID(req.RequestID),
		asynq.MaxRetry(opts.MaxRedeliveries),
	}
	if timeout := opts.timeoutFor(req); timeout > 0 {
		taskOpts = append(taskOpts, asynq.Timeout(timeout))
	}
	if opts.Retention > 0 {
		taskOpts = append(taskOpts, asynq.Retention(opts.Retention))
	}
	return asynq.NewTask(typ, data, taskOpts...), nil
}

// DecodeRequest decodes a task payload.
func DecodeRequest(t *asynq.Task) (*job.Request, error) {
	var req job.Request
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return &req, nil
}

// =============================================================================
// Task Handler Interface
// =============================================================================

// RequestHandler runs one delivery of a request. It is implemented by
// app.ScenarioService and app.WorkflowService.
type RequestHandler interface {
	Handle(ctx context.Context, req *job.Request) error
}

// =============================================================================
// Task Handler
// =============================================================================

// RequestTaskHandler adapts a RequestHandler to asynq.
type RequestTaskHandler struct {
	handler RequestHandler
	kind    job.Kind
	logger  *logger.Logger
}

// NewRequestTaskHandler creates a new task handler for requests of kind.
func NewRequestTaskHandler(kind job.Kind, handler RequestHandler, log *logger.Logger) *RequestTaskHandler {
	return &RequestTaskHandler{
		handler: handler,
		kind:    kind,
		logger:  log.With("component", "task_handler", "kind", string(kind)),
	}
}

// ProcessTask implements asynq.Handler.
func (h *RequestTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	req, err := DecodeRequest(t)
	if err != nil {
		h.logger.Error("dropping undecodable task", "type", t.Type(), "error", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := h.logger.WithJob(req.Key.String(), req.RequestID)
	if retried, ok := asynq.GetRetryCount(ctx); ok && retried > 0 {
		log = log.With("redelivery", retried)
	}
	log.Debug("processing task")

	err = h.handler.Handle(logger.ToContext(ctx, log), req)
	switch {
	case err == nil:
		log.Debug("task completed")
		return nil
	case errors.Is(err, lease.ErrBusy):
		return err
	case errors.Is(err, app.ErrInvalidRequest):
		log.Error("dropping invalid request", "error", err)
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		log.Warn("task failed, broker will redeliver", "error", err)
		return err
	}
}

// RegisterHandlers registers the handler with the asynq server mux.
func (h *RequestTaskHandler) RegisterHandlers(mux *asynq.ServeMux) error {
	typ, err := TaskType(h.kind)
	if err != nil {
		return err
	}
	mux.Handle(typ, h)
	return nil
}
