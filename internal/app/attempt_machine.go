package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/prodcast/worker/pkg/backoff"
	"github.com/prodcast/worker/pkg/domain/automation"
	"github.com/prodcast/worker/pkg/domain/job"
)

// MachineState is the state of an AttemptMachine.
type MachineState string

const (
	// StateReady: no attempt in flight, another one may start.
	StateReady MachineState = "ready"
	// StatePending: an attempt is executing.
	StatePending MachineState = "pending"
	// StateTransientRetry: the last attempt failed transiently and a retry
	// is scheduled after Decision.Backoff.
	StateTransientRetry MachineState = "transient_retry"
	StateSucceeded      MachineState = "succeeded"
	StateFatal          MachineState = "fatal"
)

// ErrMachineState is returned on a transition the current state forbids.
var ErrMachineState = errors.New("invalid attempt machine transition")

// RetryPolicy bounds the attempts of one request.
type RetryPolicy struct {
	// Budget is the maximum number of attempts per request.
	Budget  int
	Backoff backoff.Strategy
}

// Decision is what the machine concluded from one attempt's result.
type Decision struct {
	Outcome job.Outcome
	Reason  string
	// Backoff is the wait before the next attempt. Zero unless Outcome is
	// OutcomeRetryableFailure.
	Backoff time.Duration
}

// Done reports whether no further attempt follows.
func (d Decision) Done() bool {
	return d.Outcome.IsTerminal()
}

// AttemptMachine is the retry state machine for one request:
// Ready -> Pending -> (TransientRetry -> Pending)* -> Succeeded | Fatal.
// It performs no I/O; callers run the attempt and feed back its error.
type AttemptMachine struct {
	policy RetryPolicy
	state  MachineState
	used   int
}

// NewAttemptMachine creates a machine for a request that already consumed
// used attempts in earlier deliveries.
func NewAttemptMachine(policy RetryPolicy, used int) *AttemptMachine {
	if policy.Budget < 1 {
		policy.Budget = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = backoff.DefaultStrategy()
	}
	return &AttemptMachine{policy: policy, state: StateReady, used: used}
}

// State returns the current state.
func (m *AttemptMachine) State() MachineState {
	return m.state
}

// Used returns the attempts consumed so far, earlier deliveries included.
func (m *AttemptMachine) Used() int {
	return m.used
}

// Exhausted reports whether the budget allows no further attempt.
func (m *AttemptMachine) Exhausted() bool {
	return m.used >= m.policy.Budget
}

// Start moves to Pending for the next attempt.
func (m *AttemptMachine) Start() error {
	if m.state != StateReady && m.state != StateTransientRetry {
		return fmt.Errorf("%w: start from %s", ErrMachineState, m.state)
	}
	if m.Exhausted() {
		return fmt.Errorf("%w: budget of %d exhausted", ErrMachineState, m.policy.Budget)
	}
	m.used++
	m.state = StatePending
	return nil
}

// Observe records the error of the pending attempt (nil on success) and
// decides what follows.
func (m *AttemptMachine) Observe(err error) (Decision, error) {
	if m.state != StatePending {
		return Decision{}, fmt.Errorf("%w: observe from %s", ErrMachineState, m.state)
	}

	if err == nil {
		m.state = StateSucceeded
		return Decision{Outcome: job.OutcomeSuccess}, nil
	}

	reason := reasonOf(err)
	if automation.Classify(err) == automation.Permanent {
		m.state = StateFatal
		return Decision{Outcome: job.OutcomeFatalFailure, Reason: reason}, nil
	}

	if m.Exhausted() {
		m.state = StateFatal
		return Decision{
			Outcome: job.OutcomeFatalFailure,
			Reason:  job.ReasonBudgetExhausted + ": " + reason,
		}, nil
	}

	m.state = StateTransientRetry
	return Decision{
		Outcome: job.OutcomeRetryableFailure,
		Reason:  reason,
		Backoff: m.policy.Backoff.Delay(m.used),
	}, nil
}

// reasonOf prefers the short automation reason over the full error chain.
func reasonOf(err error) string {
	var ae *automation.Error
	if errors.As(err, &ae) {
		if ae.Err != nil {
			return ae.Reason + ": " + ae.Err.Error()
		}
		return ae.Reason
	}
	return err.Error()
}

// outputOf returns captured tool output carried by err, if any.
func outputOf(err error) string {
	var ae *automation.Error
	if errors.As(err, &ae) {
		return ae.Output
	}
	return ""
}
