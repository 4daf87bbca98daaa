package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/shared"
)

// WorkflowRunRepository implements job.WorkflowStateRepository.
type WorkflowRunRepository struct {
	db *DB
}

// NewWorkflowRunRepository creates a new WorkflowRunRepository.
func NewWorkflowRunRepository(db *DB) *WorkflowRunRepository {
	return &WorkflowRunRepository{db: db}
}

// Save upserts the run keyed by (workflow id, request id).
func (r *WorkflowRunRepository) Save(ctx context.Context, s *job.WorkflowState) error {
	steps, err := toJSON(s.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query := `
		INSERT INTO workflow_runs (
			workflow_id, request_id, schedule_id, status, steps,
			error, started_at, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, request_id) DO UPDATE SET
			status = excluded.status,
			steps = excluded.steps,
			error = excluded.error,
			finished_at = excluded.finished_at
	`

	_, err = r.db.exec(ctx, r.db.DB, query,
		s.WorkflowID,
		s.RequestID,
		nullString(s.ScheduleID),
		string(s.Status),
		steps,
		nullString(s.Error),
		r.db.dialect.timeArg(s.StartedAt),
		r.db.dialect.nullTimeArg(s.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}
	return nil
}

// Get retrieves the run of one workflow request.
func (r *WorkflowRunRepository) Get(ctx context.Context, workflowID, requestID string) (*job.WorkflowState, error) {
	query := `
		SELECT schedule_id, status, steps, error, started_at, finished_at
		FROM workflow_runs
		WHERE workflow_id = ? AND request_id = ?
	`

	var (
		s          = job.WorkflowState{WorkflowID: workflowID, RequestID: requestID}
		scheduleID sql.NullString
		status     string
		steps      string
		errText    sql.NullString
		startedAt  scanTime
		finishedAt scanTime
	)
	err := r.db.queryRow(ctx, r.db.DB, query, workflowID, requestID).Scan(
		&scheduleID, &status, &steps, &errText, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}

	if err := json.Unmarshal([]byte(steps), &s.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	s.ScheduleID = nullStringValue(scheduleID)
	s.Status = job.WorkflowStatus(status)
	s.Error = nullStringValue(errText)
	s.StartedAt = startedAt.Time
	s.FinishedAt = finishedAt.Ptr()

	return &s, nil
}

var _ job.WorkflowStateRepository = (*WorkflowRunRepository)(nil)
