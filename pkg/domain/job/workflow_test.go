package job_test

import (
	"testing"
	"time"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeStepWorkflow() *job.WorkflowPayload {
	return &job.WorkflowPayload{
		WorkflowID: "wf-1",
		Steps:      []job.StepSpec{{Name: "S1"}, {Name: "S2"}, {Name: "S3"}},
	}
}

func TestWorkflowState_FailStepSkipsRest(t *testing.T) {
	now := time.Now()
	s := job.NewWorkflowState(threeStepWorkflow(), "req-1", now)
	require.Equal(t, job.WorkflowRunning, s.Status)

	s.StartStep(0)
	s.SucceedStep(0, 1)
	s.StartStep(1)
	s.FailStep(1, 3, "model rejected", now)

	assert.Equal(t, job.WorkflowFailed, s.Status)
	assert.Equal(t, job.StepSucceeded, s.Steps[0].Status)
	assert.Equal(t, job.StepFailed, s.Steps[1].Status)
	assert.Equal(t, job.StepSkipped, s.Steps[2].Status)
	assert.Contains(t, s.Error, "S2")
	assert.NotNil(t, s.FinishedAt)
	assert.True(t, s.Status.IsTerminal())
}

func TestWorkflowState_Complete(t *testing.T) {
	now := time.Now()
	s := job.NewWorkflowState(threeStepWorkflow(), "req-1", now)

	s.SucceedStep(0, 1)
	s.SucceedStep(1, 1)
	assert.False(t, s.Complete(now), "incomplete workflow must not complete")
	assert.Equal(t, job.WorkflowRunning, s.Status)

	s.SucceedStep(2, 2)
	assert.True(t, s.Complete(now))
	assert.Equal(t, job.WorkflowCompleted, s.Status)
	assert.True(t, s.StepDone(2))
	assert.False(t, s.StepDone(5))
}

func TestAttempt_FinishOnce(t *testing.T) {
	a := job.NewAttempt(job.ScenarioKey("SC1"), 1, "req", "w1", time.Now())
	require.Equal(t, job.OutcomePending, a.Outcome)

	require.NoError(t, a.Finish(job.OutcomeRetryableFailure, "busy", time.Now()))
	assert.ErrorIs(t, a.Finish(job.OutcomeSuccess, "", time.Now()), job.ErrOutcomeRecorded)
	assert.Equal(t, job.OutcomeRetryableFailure, a.Outcome)
	assert.False(t, a.Outcome.IsTerminal())
	assert.True(t, job.OutcomeFatalFailure.IsTerminal())
}
