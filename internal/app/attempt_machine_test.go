package app

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodcast/worker/pkg/backoff"
	"github.com/prodcast/worker/pkg/domain/automation"
	"github.com/prodcast/worker/pkg/domain/job"
)

func testPolicy(budget int) RetryPolicy {
	return RetryPolicy{Budget: budget, Backoff: backoff.NewExponential(time.Second, 4*time.Second)}
}

func TestAttemptMachine_SuccessFirstTry(t *testing.T) {
	m := NewAttemptMachine(testPolicy(3), 0)
	require.NoError(t, m.Start())
	assert.Equal(t, StatePending, m.State())

	d, err := m.Observe(nil)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeSuccess, d.Outcome)
	assert.True(t, d.Done())
	assert.Equal(t, StateSucceeded, m.State())
	assert.Error(t, m.Start(), "no attempt after success")
}

func TestAttemptMachine_BudgetExhaustion(t *testing.T) {
	m := NewAttemptMachine(testPolicy(3), 0)
	busy := automation.NewTransient("tool busy", nil)

	var decisions []Decision
	for m.Start() == nil {
		d, err := m.Observe(busy)
		require.NoError(t, err)
		decisions = append(decisions, d)
		if d.Done() {
			break
		}
	}

	require.Len(t, decisions, 3, "exactly budget attempts")
	assert.Equal(t, job.OutcomeRetryableFailure, decisions[0].Outcome)
	assert.Equal(t, time.Second, decisions[0].Backoff)
	assert.Equal(t, 2*time.Second, decisions[1].Backoff)
	assert.Equal(t, job.OutcomeFatalFailure, decisions[2].Outcome)
	assert.True(t, strings.HasPrefix(decisions[2].Reason, job.ReasonBudgetExhausted))
	assert.Zero(t, decisions[2].Backoff)
	assert.Equal(t, 3, m.Used())
	assert.Error(t, m.Start(), "attempt 4 is never made")
}

func TestAttemptMachine_PermanentStopsImmediately(t *testing.T) {
	m := NewAttemptMachine(testPolicy(5), 0)
	require.NoError(t, m.Start())

	d, err := m.Observe(automation.NewPermanent("invalid deck", nil))
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFatalFailure, d.Outcome)
	assert.Equal(t, "invalid deck", d.Reason)
	assert.Equal(t, StateFatal, m.State())
}

func TestAttemptMachine_UnknownErrorIsPermanent(t *testing.T) {
	m := NewAttemptMachine(testPolicy(5), 0)
	require.NoError(t, m.Start())

	d, err := m.Observe(errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFatalFailure, d.Outcome)
	assert.Equal(t, "boom", d.Reason)
}

func TestAttemptMachine_TransientThenSuccess(t *testing.T) {
	m := NewAttemptMachine(testPolicy(3), 0)

	require.NoError(t, m.Start())
	d, err := m.Observe(automation.NewTransient("call timed out", errors.New("deadline")))
	require.NoError(t, err)
	assert.Equal(t, "call timed out: deadline", d.Reason)
	assert.Equal(t, StateTransientRetry, m.State())

	require.NoError(t, m.Start())
	d, err = m.Observe(nil)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeSuccess, d.Outcome)
	assert.Equal(t, 2, m.Used())
}

func TestAttemptMachine_CarriesEarlierDeliveries(t *testing.T) {
	m := NewAttemptMachine(testPolicy(3), 2)
	require.NoError(t, m.Start())

	d, err := m.Observe(automation.NewTransient("tool busy", nil))
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFatalFailure, d.Outcome)

	exhausted := NewAttemptMachine(testPolicy(3), 3)
	assert.True(t, exhausted.Exhausted())
	assert.ErrorIs(t, exhausted.Start(), ErrMachineState)
}

func TestAttemptMachine_InvalidTransitions(t *testing.T) {
	m := NewAttemptMachine(testPolicy(3), 0)
	_, err := m.Observe(nil)
	assert.ErrorIs(t, err, ErrMachineState)

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrMachineState)
}

func TestOutputOf(t *testing.T) {
	e := automation.NewPermanent("bad", nil)
	e.Output = "tool log"
	assert.Equal(t, "tool log", outputOf(e))
	assert.Empty(t, outputOf(errors.New("x")))
}
