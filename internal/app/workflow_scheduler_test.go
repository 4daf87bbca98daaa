package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodcast/worker/internal/infra/sqlite"
	"github.com/prodcast/worker/internal/infra/sqlstore"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/schedule"
	"github.com/prodcast/worker/pkg/logger"
)

func nopLogger() *logger.Logger { return logger.NewNop() }

type fakeEnqueuer struct {
	mu   sync.Mutex
	reqs []*job.Request
	err  error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, req *job.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.reqs = append(e.reqs, req)
	return req.RequestID, nil
}

type schedulerFixture struct {
	schedules *sqlstore.ScheduleRepository
	workflows *sqlstore.WorkflowRepository
	enqueuer  *fakeEnqueuer
	scheduler *WorkflowScheduler
	now       time.Time
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &schedulerFixture{
		schedules: sqlstore.NewScheduleRepository(db),
		workflows: sqlstore.NewWorkflowRepository(db),
		enqueuer:  &fakeEnqueuer{},
		now:       time.Date(2025, 6, 1, 10, 2, 0, 0, time.UTC),
	}
	f.scheduler = NewWorkflowScheduler(f.schedules, f.workflows, f.enqueuer, WorkflowSchedulerConfig{}, nopLogger())
	f.scheduler.now = func() time.Time { return f.now }

	require.NoError(t, f.workflows.SaveWorkflow(context.Background(), &job.WorkflowPayload{
		WorkflowID: "wf-1",
		Name:       "nightly",
		Steps:      []job.StepSpec{{Name: "S1"}, {Name: "S2"}},
	}))
	return f
}

func TestWorkflowScheduler_FiresDueScheduleOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	sc := &schedule.Schedule{WorkflowID: "wf-1", CronExpression: "*/5 * * * *", IsActive: true}
	require.NoError(t, f.schedules.Create(ctx, sc))

	assert.Equal(t, 1, f.scheduler.Tick(ctx))
	require.Len(t, f.enqueuer.reqs, 1)

	req := f.enqueuer.reqs[0]
	assert.Equal(t, job.KindWorkflow, req.Kind)
	assert.Equal(t, job.WorkflowKey("wf-1"), req.Key)
	p, err := req.Workflow()
	require.NoError(t, err)
	assert.Len(t, p.Steps, 2)
	assert.NotEmpty(t, p.ScheduleID)

	// Not due again until the next activation.
	assert.Equal(t, 0, f.scheduler.Tick(ctx))

	f.now = time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, 1, f.scheduler.Tick(ctx))
	assert.Len(t, f.enqueuer.reqs, 2)
}

func TestWorkflowScheduler_InactiveAndUnknown(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.schedules.Create(ctx, &schedule.Schedule{WorkflowID: "wf-1", CronExpression: "* * * * *", IsActive: false}))
	require.NoError(t, f.schedules.Create(ctx, &schedule.Schedule{WorkflowID: "wf-missing", CronExpression: "* * * * *", IsActive: true}))

	assert.Equal(t, 0, f.scheduler.Tick(ctx))
	assert.Empty(t, f.enqueuer.reqs)
}

func TestWorkflowScheduler_EnqueueError(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.enqueuer.err = errors.New("broker down")

	require.NoError(t, f.schedules.Create(ctx, &schedule.Schedule{WorkflowID: "wf-1", CronExpression: "* * * * *", IsActive: true}))
	assert.Equal(t, 0, f.scheduler.Tick(ctx))
}

func TestWorkflowScheduler_StartStop(t *testing.T) {
	f := newSchedulerFixture(t)
	f.scheduler.interval = 10 * time.Millisecond

	f.scheduler.Start()
	time.Sleep(30 * time.Millisecond)
	f.scheduler.Stop()
}
