package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
)

// ScenarioService runs scenario requests.
type ScenarioService struct {
	exec      *Executor
	scenarios job.ScenarioRepository
	timeout   time.Duration
	logger    *logger.Logger
}

// NewScenarioService creates a new ScenarioService. timeout is the hard
// deadline of one automation call.
func NewScenarioService(exec *Executor, scenarios job.ScenarioRepository, timeout time.Duration, log *logger.Logger) *ScenarioService {
	return &ScenarioService{
		exec:      exec,
		scenarios: scenarios,
		timeout:   timeout,
		logger:    log.With("service", "scenario"),
	}
}

// Handle runs one delivery of a scenario request. A nil return means the
// outcome, success or failure, is stored and the delivery can be acked.
// lease.ErrBusy means the scenario is running elsewhere and the request
// should be requeued.
func (s *ScenarioService) Handle(ctx context.Context, req *job.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Kind != job.KindScenario {
		return fmt.Errorf("%w: kind %q is not a scenario", ErrInvalidRequest, req.Kind)
	}
	p, err := req.Scenario()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	l, err := s.exec.acquire(ctx, req.Key, s.exec.leaseTTL(s.timeout))
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			s.logger.Info("scenario busy, requeueing", "key", req.Key, "request_id", req.RequestID)
		}
		return err
	}
	defer s.exec.release(ctx, l)

	progress := newProgressReporter(ctx, s.scenarios, p, s.exec.now, s.logger)
	res, err := s.exec.run(ctx, unitRun{
		Key:         req.Key,
		Kind:        job.KindScenario,
		RequestID:   req.RequestID,
		ModelPrefix: p.ModelPrefix,
		Payload:     req.Payload,
		Timeout:     s.timeout,
		OnProgress:  progress.Report,
	}, l)
	if err != nil {
		return err
	}

	progress.Finish(res)
	return nil
}

// progressReporter mirrors tool progress into the scenario rows users see.
// Write failures are logged and never fail the job.
type progressReporter struct {
	ctx        context.Context
	scenarios  job.ScenarioRepository
	scenarioID string
	total      int
	now        func() time.Time
	logger     *logger.Logger
}

func newProgressReporter(ctx context.Context, scenarios job.ScenarioRepository, p *job.ScenarioPayload, now func() time.Time, log *logger.Logger) *progressReporter {
	total := p.Timesteps
	if start, end, err := p.Range(); err == nil {
		total = job.ProgressTotal(p.Timesteps, start, end)
	}
	return &progressReporter{
		// Progress arrives from the detached automation call, so writes
		// must not die with the task context.
		ctx:        context.WithoutCancel(ctx),
		scenarios:  scenarios,
		scenarioID: p.ScenarioID,
		total:      total,
		now:        now,
		logger:     log.With("scenario_id", p.ScenarioID),
	}
}

// Report handles one progress event.
func (r *progressReporter) Report(ev job.Progress) {
	if r.scenarios == nil {
		return
	}
	if ev.Timestep != "" {
		if err := r.scenarios.UpdateStatus(r.ctx, r.scenarioID, job.RunningStatus(ev.Timestep)); err != nil {
			r.logger.Warn("failed to update scenario status", "error", err)
		}
	}

	msg := ev.Message
	if msg == "" {
		msg = "Processing " + ev.CurrentTimestep
	}
	percent := job.ProgressPercent(ev.CurrentTimestep, r.total)
	if err := r.scenarios.AppendLog(r.ctx, r.scenarioID, msg, percent, r.now()); err != nil {
		r.logger.Warn("failed to append scenario log", "error", err)
	}
}

// Finish writes the final status for a stored result.
func (r *progressReporter) Finish(res *job.Result) {
	if r.scenarios == nil || res == nil {
		return
	}

	status, msg, percent := job.ScenarioStatusSuccess, "Scenario completed", 100
	if res.Status == job.ResultFailed {
		status, msg, percent = job.ScenarioStatusError, "Scenario failed: "+res.Error, 0
	}

	if err := r.scenarios.UpdateStatus(r.ctx, r.scenarioID, status); err != nil {
		r.logger.Warn("failed to update scenario status", "error", err)
	}
	if err := r.scenarios.AppendLog(r.ctx, r.scenarioID, msg, percent, r.now()); err != nil {
		r.logger.Warn("failed to append scenario log", "error", err)
	}
}
