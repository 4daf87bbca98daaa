package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodcast/worker/internal/app"
	"github.com/prodcast/worker/internal/config"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/lease"
	"github.com/prodcast/worker/pkg/logger"
)

type handlerFunc func(ctx context.Context, req *job.Request) error

func (f handlerFunc) Handle(ctx context.Context, req *job.Request) error { return f(ctx, req) }

func newScenario(t *testing.T) *job.Request {
	t.Helper()
	req, err := job.NewScenarioRequest(job.ScenarioPayload{
		ScenarioID: "sc-1",
		StartDate:  "2025-01-01",
		EndDate:    "2025-02-01",
	})
	require.NoError(t, err)
	return req
}

func TestNewRequestTask(t *testing.T) {
	req := newScenario(t)

	task, err := NewRequestTask(req, TaskOptions{MaxRedeliveries: 5, Timeout: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, TypeScenario, task.Type())

	got, err := DecodeRequest(task)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, got.RequestID)
	assert.Equal(t, req.Key, got.Key)
	assert.JSONEq(t, string(req.Payload), string(got.Payload))
}

func TestTaskOptions_TimeoutScalesWithSteps(t *testing.T) {
	opts := TaskOptions{Timeout: 24 * time.Hour, StepTimeout: 7 * time.Hour}

	assert.Equal(t, 24*time.Hour, opts.timeoutFor(newScenario(t)))

	wf, err := job.NewWorkflowRequest(job.WorkflowPayload{
		WorkflowID: "wf-1",
		Steps:      []job.StepSpec{{Name: "s1"}, {Name: "s2"}, {Name: "s3"}, {Name: "s4"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 28*time.Hour, opts.timeoutFor(wf))

	opts.StepTimeout = time.Hour
	assert.Equal(t, 24*time.Hour, opts.timeoutFor(wf), "never below the task timeout")
}

func TestTaskType(t *testing.T) {
	typ, err := TaskType(job.KindWorkflow)
	require.NoError(t, err)
	assert.Equal(t, TypeWorkflow, typ)

	_, err = TaskType(job.KindWorkflowStep)
	assert.Error(t, err)
}

func TestRequestTaskHandler_ProcessTask(t *testing.T) {
	req := newScenario(t)
	task, err := NewRequestTask(req, TaskOptions{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		result   error
		wantNil  bool
		wantSkip bool
		wantBusy bool
	}{
		{name: "success", wantNil: true},
		{name: "busy", result: lease.ErrBusy, wantBusy: true},
		{name: "invalid", result: fmt.Errorf("%w: bad dates", app.ErrInvalidRequest), wantSkip: true},
		{name: "persist", result: fmt.Errorf("%w: conn reset", job.ErrPersist)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *job.Request
			h := NewRequestTaskHandler(job.KindScenario, handlerFunc(func(_ context.Context, r *job.Request) error {
				seen = r
				return tt.result
			}), logger.NewNop())

			err := h.ProcessTask(context.Background(), task)
			require.NotNil(t, seen)
			assert.Equal(t, req.RequestID, seen.RequestID)

			if tt.wantNil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantSkip, errors.Is(err, asynq.SkipRetry))
			assert.Equal(t, tt.wantBusy, errors.Is(err, lease.ErrBusy))
		})
	}
}

func TestRequestTaskHandler_UndecodablePayload(t *testing.T) {
	called := false
	h := NewRequestTaskHandler(job.KindScenario, handlerFunc(func(context.Context, *job.Request) error {
		called = true
		return nil
	}), logger.NewNop())

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeScenario, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.False(t, called)
}

func TestRetryPolicy(t *testing.T) {
	delay := retryDelay(30 * time.Second)
	task := asynq.NewTask(TypeScenario, nil)

	assert.Equal(t, 30*time.Second, delay(0, lease.ErrBusy, task))
	assert.Equal(t, 30*time.Second, delay(7, fmt.Errorf("acquire: %w", lease.ErrBusy), task))
	assert.Positive(t, delay(1, job.ErrPersist, task))

	assert.False(t, isFailure(lease.ErrBusy))
	assert.True(t, isFailure(job.ErrPersist))
}

func TestNewWorker_Validation(t *testing.T) {
	opt := asynq.RedisClientOpt{Addr: "localhost:6379"}

	_, err := NewWorker(opt, WorkerConfig{}, logger.NewNop())
	assert.Error(t, err)

	_, err = NewWorker(opt, WorkerConfig{Queues: []QueueConfig{{Name: job.QueueScenarios}}}, logger.NewNop())
	assert.ErrorContains(t, err, "no handler")
}

func TestRedisOpt(t *testing.T) {
	opt := RedisOpt(&config.RedisConfig{Host: "redis", Port: 6380, DB: 2, TLSEnabled: true})
	assert.Equal(t, "redis:6380", opt.Addr)
	assert.Equal(t, 2, opt.DB)
	require.NotNil(t, opt.TLSConfig)
	assert.False(t, opt.TLSConfig.InsecureSkipVerify)

	assert.Nil(t, RedisOpt(&config.RedisConfig{Host: "redis", Port: 6379}).TLSConfig)
}
