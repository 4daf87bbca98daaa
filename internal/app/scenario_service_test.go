package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodcast/worker/pkg/domain/automation"
	"github.com/prodcast/worker/pkg/domain/job"
)

type logEntry struct {
	message  string
	progress int
}

func scenarioLogs(t *testing.T, h *harness, id string) []logEntry {
	t.Helper()
	rows, err := h.db.QueryContext(context.Background(),
		"SELECT message, progress FROM scenario_logs WHERE scenario_id = ? ORDER BY id", id)
	require.NoError(t, err)
	defer rows.Close()

	var out []logEntry
	for rows.Next() {
		var e logEntry
		require.NoError(t, rows.Scan(&e.message, &e.progress))
		out = append(out, e)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestScenarioService_ReportsProgress(t *testing.T) {
	var statuses []string
	var h *harness
	client := newFakeClient(func(u automation.Unit, _ int) (*job.Output, error) {
		u.OnProgress(job.Progress{Timestep: "timestep_01/01/2025", CurrentTimestep: "timestep_0"})
		status, err := h.scenarios.Status(context.Background(), "sc-1")
		if err == nil {
			statuses = append(statuses, status)
		}
		u.OnProgress(job.Progress{Timestep: "timestep_01/02/2025", CurrentTimestep: "timestep_1", Message: "second step"})
		return sampleOutput(), nil
	})
	h = newHarness(t, client, 3)
	req := scenarioRequest(t, "sc-1")

	require.NoError(t, h.scenarioService().Handle(context.Background(), req))

	assert.Equal(t, []string{"running_01/01/2025"}, statuses)

	status, err := h.scenarios.Status(context.Background(), "sc-1")
	require.NoError(t, err)
	assert.Equal(t, job.ScenarioStatusSuccess, status)

	// 2 declared timesteps + 2 whole months between start and end.
	logs := scenarioLogs(t, h, "sc-1")
	require.Len(t, logs, 3)
	assert.Equal(t, logEntry{message: "Processing timestep_0", progress: 25}, logs[0])
	assert.Equal(t, logEntry{message: "second step", progress: 50}, logs[1])
	assert.Equal(t, logEntry{message: "Scenario completed", progress: 100}, logs[2])
}

func TestScenarioService_InvalidRequest(t *testing.T) {
	h := newHarness(t, newFakeClient(nil), 3)

	req := scenarioRequest(t, "sc-1")
	req.RequestID = "not-a-uuid"
	assert.ErrorIs(t, h.scenarioService().Handle(context.Background(), req), ErrInvalidRequest)

	wf := workflowRequest(t, "wf-1", "S1")
	assert.ErrorIs(t, h.scenarioService().Handle(context.Background(), wf), ErrInvalidRequest)
}

func TestProgressReporter_NilRepository(t *testing.T) {
	p := &job.ScenarioPayload{ScenarioID: "sc-1", StartDate: "2025-01-01", EndDate: "2025-01-01"}
	r := newProgressReporter(context.Background(), nil, p, nil, nopLogger())

	assert.NotPanics(t, func() {
		r.Report(job.Progress{CurrentTimestep: "timestep_0"})
		r.Finish(&job.Result{Status: job.ResultSucceeded})
	})
}
