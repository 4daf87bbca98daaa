package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prodcast/worker/internal/metrics"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/domain/shared"
	"github.com/prodcast/worker/pkg/logger"
)

// StepPayload is the unit payload sent to the tool for one workflow step.
type StepPayload struct {
	WorkflowID  string            `json:"workflow_id"`
	StepIndex   int               `json:"step_index"`
	Name        string            `json:"name"`
	ModelPrefix string            `json:"model_prefix,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// WorkflowService runs workflow requests: an ordered list of steps under a
// workflow lease held for the whole sequence. Each step also takes its own
// step lease.
type WorkflowService struct {
	exec        *Executor
	runs        job.WorkflowStateRepository
	stepTimeout time.Duration
	logger      *logger.Logger
}

// NewWorkflowService creates a new WorkflowService. stepTimeout is the hard
// deadline of one step's automation call.
func NewWorkflowService(exec *Executor, runs job.WorkflowStateRepository, stepTimeout time.Duration, log *logger.Logger) *WorkflowService {
	return &WorkflowService{
		exec:        exec,
		runs:        runs,
		stepTimeout: stepTimeout,
		logger:      log.With("service", "workflow"),
	}
}

// Handle runs one delivery of a workflow request. Steps run sequentially;
// the first step that fails fatally fails the workflow and later steps are
// never attempted. A redelivery resumes after the steps that already
// succeeded for the same request.
func (s *WorkflowService) Handle(ctx context.Context, req *job.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Kind != job.KindWorkflow {
		return fmt.Errorf("%w: kind %q is not a workflow", ErrInvalidRequest, req.Kind)
	}
	p, err := req.Workflow()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	l, err := s.exec.acquire(ctx, req.Key, s.exec.leaseTTL(s.stepTimeout))
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			s.logger.Info("workflow busy, requeueing", "key", req.Key, "request_id", req.RequestID)
		}
		return err
	}
	defer s.exec.release(ctx, l)

	log := s.logger.WithJob(req.Key.String(), req.RequestID)

	state, err := s.loadState(ctx, p, req.RequestID)
	if err != nil {
		return err
	}
	if state.Status.IsTerminal() {
		log.Info("workflow run already finished, acknowledging redelivery", "status", state.Status)
		return nil
	}

	for i, step := range p.Steps {
		if state.StepDone(i) {
			log.Debug("step already succeeded, skipping", "step", i, "name", step.Name)
			continue
		}

		payload, err := json.Marshal(StepPayload{
			WorkflowID:  p.WorkflowID,
			StepIndex:   i,
			Name:        step.Name,
			ModelPrefix: step.ModelPrefix,
			Parameters:  step.Parameters,
		})
		if err != nil {
			return fmt.Errorf("marshal step %d: %w", i, err)
		}

		res, err := s.runStep(ctx, l, state, unitRun{
			Key:         job.StepKey(p.WorkflowID, i),
			Kind:        job.KindWorkflowStep,
			RequestID:   req.RequestID,
			ModelPrefix: step.ModelPrefix,
			Payload:     payload,
			Timeout:     s.stepTimeout,
		}, i)
		if err != nil {
			if errors.Is(err, lease.ErrBusy) {
				log.Info("workflow step busy, requeueing", "step", i, "name", step.Name)
			}
			return err
		}

		if res.Status == job.ResultFailed {
			state.FailStep(i, res.AttemptNumber, res.Error, s.exec.now())
			if err := s.save(ctx, state); err != nil {
				return err
			}
			metrics.WorkflowRunsTotal.WithLabelValues(string(job.WorkflowFailed)).Inc()
			log.Warn("workflow failed", "step", i, "name", step.Name, "reason", res.Error)
			return nil
		}

		state.SucceedStep(i, res.AttemptNumber)
		if err := s.save(ctx, state); err != nil {
			return err
		}
	}

	state.Complete(s.exec.now())
	if err := s.save(ctx, state); err != nil {
		return err
	}
	metrics.WorkflowRunsTotal.WithLabelValues(string(job.WorkflowCompleted)).Inc()
	log.Info("workflow completed", "steps", len(p.Steps))
	return nil
}

// runStep runs one step under its own step lease while the workflow lease
// wl stays held. Both leases are renewed for the duration of the step.
func (s *WorkflowService) runStep(ctx context.Context, wl *lease.Lease, state *job.WorkflowState, unit unitRun, index int) (*job.Result, error) {
	sl, err := s.exec.acquire(ctx, unit.Key, s.exec.leaseTTL(unit.Timeout))
	if err != nil {
		return nil, err
	}
	defer s.exec.release(ctx, sl)

	state.StartStep(index)
	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	return s.exec.run(ctx, unit, sl, wl)
}

func (s *WorkflowService) loadState(ctx context.Context, p *job.WorkflowPayload, requestID string) (*job.WorkflowState, error) {
	state, err := s.runs.Get(ctx, p.WorkflowID, requestID)
	err = s.exec.gate.Observe(err)
	if err == nil {
		return state, nil
	}
	if !shared.IsNotFound(err) {
		return nil, fmt.Errorf("load workflow run: %w", err)
	}

	state = job.NewWorkflowState(p, requestID, s.exec.now())
	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *WorkflowService) save(ctx context.Context, state *job.WorkflowState) error {
	if err := s.exec.gate.Observe(s.runs.Save(ctx, state)); err != nil {
		return fmt.Errorf("%w: workflow run %s: %w", job.ErrPersist, state.WorkflowID, err)
	}
	return nil
}
