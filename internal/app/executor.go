package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prodcast/worker/internal/metrics"
	"github.com/prodcast/worker/pkg/domain/automation"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/domain/shared"
	"github.com/prodcast/worker/pkg/logger"
)

// ErrInvalidRequest marks requests that can never succeed. The broker drops
// them instead of redelivering.
var ErrInvalidRequest = errors.New("invalid request")

// releaseTimeout bounds lease release, which runs even after the task
// context was canceled.
const releaseTimeout = 10 * time.Second

// ExecutorConfig holds the execution protocol settings.
type ExecutorConfig struct {
	WorkerID string
	Retry    RetryPolicy
	// LeaseGrace is added to the call timeout to form the lease TTL.
	LeaseGrace time.Duration
}

// Executor runs the protocol shared by the scenario and workflow handlers:
// gate, lease, dedupe, retry state machine, persist.
type Executor struct {
	tracker  lease.Tracker
	client   automation.Client
	attempts job.AttemptRepository
	results  job.Persister
	gate     *StoreGate
	cfg      ExecutorConfig
	logger   *logger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a new Executor.
func NewExecutor(
	tracker lease.Tracker,
	client automation.Client,
	attempts job.AttemptRepository,
	results job.Persister,
	gate *StoreGate,
	cfg ExecutorConfig,
	log *logger.Logger,
) *Executor {
	return &Executor{
		tracker:  tracker,
		client:   client,
		attempts: attempts,
		results:  results,
		gate:     gate,
		cfg:      cfg,
		logger:   log.With("component", "executor"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unitRun describes one key to run under a held lease.
type unitRun struct {
	Key         job.Key
	Kind        job.Kind
	RequestID   string
	ModelPrefix string
	Payload     json.RawMessage
	Timeout     time.Duration
	OnProgress  func(job.Progress)
}

// leaseTTL covers one call plus the grace for backoff and persistence.
func (e *Executor) leaseTTL(callTimeout time.Duration) time.Duration {
	return callTimeout + e.cfg.LeaseGrace
}

// acquire takes the lease on key without waiting.
func (e *Executor) acquire(ctx context.Context, key job.Key, ttl time.Duration) (*lease.Lease, error) {
	if !e.gate.Available() {
		return nil, ErrStoreUnavailable
	}

	l, err := e.tracker.Acquire(ctx, key.String(), e.cfg.WorkerID, ttl)
	if errors.Is(err, lease.ErrBusy) {
		metrics.LeaseBusyTotal.WithLabelValues(string(key.Kind())).Inc()
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return l, nil
}

// release gives the lease back. It runs on every exit path, including a
// canceled task context.
func (e *Executor) release(ctx context.Context, l *lease.Lease) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := e.tracker.Release(ctx, l)
	switch {
	case err == nil:
	case errors.Is(err, lease.ErrExpired):
		e.logger.Warn("lease expired before release, key was reclaimed",
			"key", l.Key,
			"holder", l.Holder,
			"deadline", l.Deadline,
		)
	default:
		e.logger.Error("failed to release lease", "key", l.Key, "error", err)
	}
}

// renew extends the held leases before the next step of the protocol.
func (e *Executor) renew(ctx context.Context, ttl time.Duration, held ...*lease.Lease) error {
	for _, l := range held {
		if err := e.tracker.Renew(ctx, l, ttl); err != nil {
			if errors.Is(err, lease.ErrExpired) {
				e.logger.Error("lease lost while running, abandoning without persisting",
					"key", l.Key,
					"holder", l.Holder,
				)
				metrics.LeaseExpiredTotal.WithLabelValues("holder").Inc()
			}
			return err
		}
	}
	return nil
}

// run executes unit and persists its terminal result. held are the leases
// the caller holds for the run; every one is renewed before each attempt
// and before persisting. A nil error means the result is durably stored,
// succeeded or failed, or that a later request already owns the key.
func (e *Executor) run(ctx context.Context, unit unitRun, held ...*lease.Lease) (*job.Result, error) {
	log := e.logger.WithJob(unit.Key.String(), unit.RequestID)
	ttl := e.leaseTTL(unit.Timeout)

	res, done, err := e.dedupe(ctx, unit, log)
	if err != nil {
		return nil, err
	}
	if done {
		return res, nil
	}

	if res == nil {
		var superseded bool
		res, superseded, err = e.attempt(ctx, held, unit, ttl, log)
		if err != nil {
			return nil, err
		}
		if superseded {
			return e.superseded(ctx, unit, res, log)
		}
	}

	if err := e.renew(ctx, ttl, held...); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, res, log); err != nil {
		return nil, err
	}
	return res, nil
}

// dedupe looks for a terminal attempt of this request. done is true when
// its result is already stored; a non-nil res with done false still needs
// persisting.
func (e *Executor) dedupe(ctx context.Context, unit unitRun, log *logger.Logger) (*job.Result, bool, error) {
	a, res, err := e.attempts.FindTerminal(ctx, unit.Key, unit.RequestID)
	if shared.IsNotFound(e.gate.Observe(err)) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find terminal attempt: %w", err)
	}

	rec, err := e.results.Get(ctx, unit.Key)
	if err = e.gate.Observe(err); err != nil && !shared.IsNotFound(err) {
		return nil, false, fmt.Errorf("get result: %w", err)
	}

	if rec != nil && rec.AttemptNumber >= a.Number {
		log.Info("request already completed, acknowledging redelivery",
			"attempt", a.Number,
			"outcome", a.Outcome,
		)
		if res == nil {
			res = recordResult(rec)
		}
		return res, true, nil
	}

	if res == nil {
		// Terminal without a stored result: only possible for rows written
		// by hand. Run again rather than guess.
		log.Warn("terminal attempt has no result, executing again", "attempt", a.Number)
		return nil, false, nil
	}

	log.Info("re-persisting result of completed attempt", "attempt", a.Number)
	return res, false, nil
}

func recordResult(rec *job.Record) *job.Result {
	return &job.Result{
		Key:           rec.Key,
		AttemptNumber: rec.AttemptNumber,
		Status:        rec.Status,
		Error:         rec.Error,
		Output:        rec.Output,
		Samples:       rec.Samples,
		CompletedAt:   rec.CompletedAt,
	}
}

// attempt drives the AttemptMachine until a terminal outcome. The bool is
// true when the request's budget was used up and another request has since
// run a later attempt on the key; the result is then this request's own
// failure and must not be persisted over the newer one.
func (e *Executor) attempt(ctx context.Context, held []*lease.Lease, unit unitRun, ttl time.Duration, log *logger.Logger) (*job.Result, bool, error) {
	h, err := e.closeAbandoned(ctx, unit, log)
	if err != nil {
		return nil, false, err
	}

	m := NewAttemptMachine(e.cfg.Retry, h.used)
	if m.Exhausted() {
		log.Warn("retry budget already exhausted by earlier deliveries",
			"attempts", h.used,
			"last_own_attempt", h.ownLatest,
			"latest_attempt", h.latest,
		)
		failed := job.NewFailedResult(unit.Key, h.ownLatest, job.ReasonBudgetExhausted, "", e.now())
		return failed, h.latest > h.ownLatest, nil
	}

	number := h.latest
	for {
		if err := m.Start(); err != nil {
			return nil, false, err
		}
		number++

		if err := e.renew(ctx, ttl, held...); err != nil {
			return nil, false, err
		}

		a := job.NewAttempt(unit.Key, number, unit.RequestID, e.cfg.WorkerID, e.now())
		if err := e.gate.Observe(e.attempts.Begin(ctx, a)); err != nil {
			return nil, false, fmt.Errorf("begin attempt %d: %w", number, err)
		}

		out, execErr := e.call(ctx, unit, number)

		decision, err := m.Observe(execErr)
		if err != nil {
			return nil, false, err
		}
		metrics.AttemptsTotal.WithLabelValues(string(unit.Kind), string(decision.Outcome)).Inc()

		var res *job.Result
		switch decision.Outcome {
		case job.OutcomeSuccess:
			var warnings []string
			res, warnings = job.NewResult(unit.Key, number, out, e.now())
			for _, w := range warnings {
				log.Warn("result normalized", "attempt", number, "warning", w)
			}
		case job.OutcomeFatalFailure:
			res = job.NewFailedResult(unit.Key, number, decision.Reason, outputOf(execErr), e.now())
		}

		if err := a.Finish(decision.Outcome, decision.Reason, e.now()); err != nil {
			return nil, false, err
		}
		if err := e.gate.Observe(e.attempts.Finish(ctx, a, res)); err != nil {
			return nil, false, fmt.Errorf("finish attempt %d: %w", number, err)
		}

		if decision.Done() {
			log.Info("attempt finished",
				"attempt", number,
				"outcome", decision.Outcome,
				"reason", decision.Reason,
			)
			return res, false, nil
		}

		log.Warn("attempt failed transiently, retrying",
			"attempt", number,
			"reason", decision.Reason,
			"backoff", decision.Backoff,
		)
		if err := e.sleep(ctx, decision.Backoff); err != nil {
			return nil, false, err
		}
	}
}

// call runs one automation session. The call context is detached from the
// task context: an in-flight session is never preempted, only bounded by
// its own timeout.
func (e *Executor) call(ctx context.Context, unit unitRun, attempt int) (*job.Output, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unit.Timeout)
	defer cancel()

	start := time.Now()
	out, err := e.client.Execute(callCtx, automation.Unit{
		Key:         unit.Key,
		Kind:        unit.Kind,
		Attempt:     attempt,
		ModelPrefix: unit.ModelPrefix,
		Payload:     unit.Payload,
		OnProgress:  unit.OnProgress,
	})
	metrics.AttemptDuration.WithLabelValues(string(unit.Kind)).Observe(time.Since(start).Seconds())
	return out, err
}

// attemptHistory summarizes a key's attempts as seen by one request.
type attemptHistory struct {
	used      int // attempts this request made
	ownLatest int // highest attempt number this request made
	latest    int // highest attempt number on the key, any request
}

// closeAbandoned finishes attempts left pending by a crashed or expired
// holder and counts the attempts this request already used. Holding the
// lease means no other attempt on the key can still be running.
func (e *Executor) closeAbandoned(ctx context.Context, unit unitRun, log *logger.Logger) (attemptHistory, error) {
	var h attemptHistory
	history, err := e.attempts.ListByKey(ctx, unit.Key)
	if err = e.gate.Observe(err); err != nil {
		return h, fmt.Errorf("list attempts: %w", err)
	}

	for _, a := range history {
		h.latest = max(h.latest, a.Number)
		own := a.RequestID == unit.RequestID
		if own {
			h.used++
			h.ownLatest = max(h.ownLatest, a.Number)
		}
		if a.Outcome != job.OutcomePending {
			continue
		}

		outcome, reason := job.OutcomeRetryableFailure, "abandoned by "+a.WorkerID
		var res *job.Result
		// The attempt that used up this request's budget is terminal even
		// though its holder never reported back.
		if own && h.used >= e.cfg.Retry.Budget {
			outcome, reason = job.OutcomeFatalFailure, job.ReasonBudgetExhausted+": "+reason
			res = job.NewFailedResult(unit.Key, a.Number, reason, "", e.now())
		}

		log.Warn("closing abandoned attempt",
			"attempt", a.Number,
			"worker", a.WorkerID,
			"request_id", a.RequestID,
			"outcome", outcome,
		)
		if err := a.Finish(outcome, reason, e.now()); err != nil {
			return h, err
		}
		if err := e.gate.Observe(e.attempts.Finish(ctx, a, res)); err != nil && !errors.Is(err, job.ErrOutcomeRecorded) {
			return h, fmt.Errorf("close abandoned attempt %d: %w", a.Number, err)
		}
	}
	return h, nil
}

// superseded acknowledges a request whose budget ran out while a later
// request ran on the same key. Nothing is persisted; the caller gets the
// stored result when there is one, otherwise the request's own failure.
func (e *Executor) superseded(ctx context.Context, unit unitRun, own *job.Result, log *logger.Logger) (*job.Result, error) {
	metrics.PersistTotal.WithLabelValues("superseded").Inc()

	rec, err := e.results.Get(ctx, unit.Key)
	if err = e.gate.Observe(err); err != nil {
		if shared.IsNotFound(err) {
			log.Info("request superseded by a later attempt, result left to its owner", "attempt", own.AttemptNumber)
			return own, nil
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	log.Info("request superseded by a later attempt, acknowledging",
		"attempt", own.AttemptNumber,
		"stored_attempt", rec.AttemptNumber,
	)
	return recordResult(rec), nil
}

// persist commits res. Persistence is idempotent, so failures are returned
// for redelivery rather than retried here.
func (e *Executor) persist(ctx context.Context, res *job.Result, log *logger.Logger) error {
	applied, err := e.results.Persist(ctx, res)
	if err = e.gate.Observe(err); err != nil {
		metrics.PersistTotal.WithLabelValues("error").Inc()
		log.Error("failed to persist result", "attempt", res.AttemptNumber, "error", err)
		if !errors.Is(err, job.ErrPersist) {
			err = fmt.Errorf("%w: %w", job.ErrPersist, err)
		}
		return err
	}

	if !applied {
		metrics.PersistTotal.WithLabelValues("superseded").Inc()
		log.Info("result superseded by a later attempt", "attempt", res.AttemptNumber)
		return nil
	}
	metrics.PersistTotal.WithLabelValues("applied").Inc()
	return nil
}
