package sqlstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodcast/worker/internal/infra/sqlite"
	"github.com/prodcast/worker/internal/infra/sqlstore"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/schedule"
	"github.com/prodcast/worker/pkg/domain/shared"
)

func openStore(t *testing.T) *sqlstore.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var completed = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func result(key job.Key, attempt int, values ...float64) *job.Result {
	r := &job.Result{
		Key:           key,
		AttemptNumber: attempt,
		Status:        job.ResultSucceeded,
		Output:        "ok",
		CompletedAt:   completed,
	}
	for i, v := range values {
		r.Samples = append(r.Samples, job.Sample{
			ObjectInstance: "WELL-1",
			Property:       "oil_rate",
			Time:           time.Date(2025, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(time.DateOnly),
			Value:          v,
		})
	}
	return r
}

func TestResultRepository_PersistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewResultRepository(openStore(t))
	key := job.ScenarioKey("sc-1")
	res := result(key, 1, 10, 20)

	applied, err := repo.Persist(ctx, res)
	require.NoError(t, err)
	assert.True(t, applied)
	first, err := repo.Get(ctx, key)
	require.NoError(t, err)

	applied, err = repo.Persist(ctx, res)
	require.NoError(t, err)
	assert.True(t, applied)
	second, err := repo.Get(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, second.Samples, 2)
	assert.Equal(t, 1, second.AttemptNumber)
	assert.True(t, completed.Equal(second.CompletedAt))
}

func TestResultRepository_HighestAttemptWins(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewResultRepository(openStore(t))
	key := job.StepKey("wf-1", 0)

	applied, err := repo.Persist(ctx, result(key, 3, 1, 2, 3))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.Persist(ctx, result(key, 2, 99))
	require.NoError(t, err)
	assert.False(t, applied, "older attempt must be discarded")

	rec, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.AttemptNumber)
	require.Len(t, rec.Samples, 3)
	assert.InDelta(t, 1.0, rec.Samples[0].Value, 1e-9)

	applied, err = repo.Persist(ctx, result(key, 4, 7))
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err = repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.AttemptNumber)
	assert.Len(t, rec.Samples, 1, "samples of the superseded attempt are replaced")
}

func TestResultRepository_FailedResult(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewResultRepository(openStore(t))
	key := job.ScenarioKey("sc-2")

	_, err := repo.Persist(ctx, job.NewFailedResult(key, 2, "license denied", "tool log", completed))
	require.NoError(t, err)

	rec, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, job.ResultFailed, rec.Status)
	assert.Equal(t, "license denied", rec.Error)
	assert.Empty(t, rec.Samples)
}

func TestResultRepository_GetMissing(t *testing.T) {
	repo := sqlstore.NewResultRepository(openStore(t))
	_, err := repo.Get(context.Background(), job.ScenarioKey("none"))
	assert.True(t, shared.IsNotFound(err))
}

func TestResultRepository_PersistStoreFailure(t *testing.T) {
	db := openStore(t)
	repo := sqlstore.NewResultRepository(db)
	require.NoError(t, db.Close())

	_, err := repo.Persist(context.Background(), result(job.ScenarioKey("sc-3"), 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrPersist))
}

func TestAttemptRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewAttemptRepository(openStore(t))
	key := job.ScenarioKey("sc-1")
	start := completed.Add(-time.Hour)

	n, err := repo.LatestNumber(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	a1 := job.NewAttempt(key, 1, "req-1", "w1", start)
	require.NoError(t, repo.Begin(ctx, a1))
	require.NoError(t, repo.Begin(ctx, a1), "duplicate begin is a no-op")
	require.NoError(t, a1.Finish(job.OutcomeRetryableFailure, "tool busy", start.Add(time.Minute)))
	require.NoError(t, repo.Finish(ctx, a1, nil))

	a2 := job.NewAttempt(key, 2, "req-1", "w1", start.Add(2*time.Minute))
	require.NoError(t, repo.Begin(ctx, a2))
	require.NoError(t, a2.Finish(job.OutcomeSuccess, "", completed))
	require.NoError(t, repo.Finish(ctx, a2, result(key, 2, 5)))

	n, err = repo.LatestNumber(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	attempts, err := repo.ListByKey(ctx, key)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, job.OutcomeRetryableFailure, attempts[0].Outcome)
	assert.Equal(t, "tool busy", attempts[0].Reason)
	assert.Equal(t, job.OutcomeSuccess, attempts[1].Outcome)
	require.NotNil(t, attempts[1].FinishedAt)
	assert.True(t, completed.Equal(*attempts[1].FinishedAt))

	terminal, res, err := repo.FindTerminal(ctx, key, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, terminal.Number)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.AttemptNumber)
	assert.Len(t, res.Samples, 1)

	_, _, err = repo.FindTerminal(ctx, key, "req-other")
	assert.True(t, shared.IsNotFound(err))
}

func TestAttemptRepository_OutcomeIsImmutable(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewAttemptRepository(openStore(t))
	key := job.ScenarioKey("sc-1")

	a := job.NewAttempt(key, 1, "req-1", "w1", completed)
	require.NoError(t, repo.Begin(ctx, a))
	require.NoError(t, a.Finish(job.OutcomeFatalFailure, "bad deck", completed))
	require.NoError(t, repo.Finish(ctx, a, job.NewFailedResult(key, 1, "bad deck", "", completed)))

	again := *a
	again.Outcome = job.OutcomeSuccess
	assert.ErrorIs(t, repo.Finish(ctx, &again, nil), job.ErrOutcomeRecorded)

	attempts, err := repo.ListByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeFatalFailure, attempts[0].Outcome)

	ghost := job.NewAttempt(key, 9, "req-1", "w1", completed)
	require.NoError(t, ghost.Finish(job.OutcomeSuccess, "", completed))
	assert.True(t, shared.IsNotFound(repo.Finish(ctx, ghost, nil)))

	pending := job.NewAttempt(key, 2, "req-1", "w1", completed)
	assert.True(t, shared.IsValidation(repo.Finish(ctx, pending, nil)))
}

func TestWorkflowRunRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewWorkflowRunRepository(openStore(t))

	_, err := repo.Get(ctx, "wf-1", "req-1")
	assert.True(t, shared.IsNotFound(err))

	p := &job.WorkflowPayload{
		WorkflowID: "wf-1",
		ScheduleID: "7",
		Steps:      []job.StepSpec{{Name: "S1"}, {Name: "S2"}, {Name: "S3"}},
	}
	state := job.NewWorkflowState(p, "req-1", completed)
	require.NoError(t, repo.Save(ctx, state))

	state.StartStep(0)
	state.SucceedStep(0, 1)
	state.FailStep(1, 2, "diverged", completed.Add(time.Hour))
	require.NoError(t, repo.Save(ctx, state))

	got, err := repo.Get(ctx, "wf-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, job.WorkflowFailed, got.Status)
	assert.Equal(t, "7", got.ScheduleID)
	assert.Equal(t, []job.StepStatus{job.StepSucceeded, job.StepFailed, job.StepSkipped},
		[]job.StepStatus{got.Steps[0].Status, got.Steps[1].Status, got.Steps[2].Status})
	require.NotNil(t, got.FinishedAt)
	assert.Contains(t, got.Error, "S2")
}

func TestWorkflowRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewWorkflowRepository(openStore(t))

	_, err := repo.GetWorkflow(ctx, "wf-9")
	assert.True(t, shared.IsNotFound(err))

	w := &job.WorkflowPayload{
		WorkflowID: "wf-9",
		Name:       "nightly",
		Steps:      []job.StepSpec{{Name: "history", ModelPrefix: "models/a"}, {Name: "forecast"}},
	}
	require.NoError(t, repo.SaveWorkflow(ctx, w))

	w.Name = "nightly-v2"
	require.NoError(t, repo.SaveWorkflow(ctx, w))

	got, err := repo.GetWorkflow(ctx, "wf-9")
	require.NoError(t, err)
	assert.Equal(t, w, got)
}

func TestScenarioRepository(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewScenarioRepository(openStore(t))

	require.NoError(t, repo.UpdateStatus(ctx, "sc-1", job.ScenarioStatusQueued))
	require.NoError(t, repo.AppendLog(ctx, "sc-1", "timestep 3", 42, completed))
	require.NoError(t, repo.UpdateStatus(ctx, "sc-1", job.ScenarioStatusSuccess))

	status, err := repo.Status(ctx, "sc-1")
	require.NoError(t, err)
	assert.Equal(t, job.ScenarioStatusSuccess, status)
}

func TestScheduleRepository_DueAndAdvance(t *testing.T) {
	ctx := context.Background()
	repo := sqlstore.NewScheduleRepository(openStore(t))
	now := completed

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due := &schedule.Schedule{WorkflowID: "wf-1", CronExpression: "0 * * * *", NextRun: &past, IsActive: true}
	later := &schedule.Schedule{WorkflowID: "wf-2", CronExpression: "0 * * * *", NextRun: &future, IsActive: true}
	fresh := &schedule.Schedule{WorkflowID: "wf-3", CronExpression: "0 * * * *", IsActive: true}
	paused := &schedule.Schedule{WorkflowID: "wf-4", CronExpression: "0 * * * *", NextRun: &past}
	for _, s := range []*schedule.Schedule{due, later, fresh, paused} {
		require.NoError(t, repo.Create(ctx, s))
	}

	list, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wf-1", list[0].WorkflowID)
	assert.Equal(t, "wf-3", list[1].WorkflowID)
	require.NotNil(t, list[0].NextRun)
	assert.True(t, past.Equal(*list[0].NextRun))

	ok, err := repo.Advance(ctx, due.ID, list[0].NextRun, future, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Advance(ctx, due.ID, list[0].NextRun, future, now)
	require.NoError(t, err)
	assert.False(t, ok, "a second scheduler must lose the race")

	ok, err = repo.Advance(ctx, fresh.ID, nil, future, now)
	require.NoError(t, err)
	assert.True(t, ok)

	list, err = repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, repo.AppendLog(ctx, schedule.Log{
		ScheduleID: due.ID, At: now, Status: schedule.LogEnqueued, Message: "request r-1",
	}))
}
