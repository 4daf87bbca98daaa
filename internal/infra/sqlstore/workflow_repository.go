package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/schedule"
	"github.com/prodcast/worker/pkg/domain/shared"
)

// WorkflowRepository stores workflow definitions.
type WorkflowRepository struct {
	db *DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// SaveWorkflow creates or replaces a definition.
func (r *WorkflowRepository) SaveWorkflow(ctx context.Context, w *job.WorkflowPayload) error {
	steps, err := toJSON(w.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, steps)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			steps = excluded.steps
	`
	if _, err := r.db.exec(ctx, r.db.DB, query, w.WorkflowID, w.Name, steps); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a definition by id.
func (r *WorkflowRepository) GetWorkflow(ctx context.Context, workflowID string) (*job.WorkflowPayload, error) {
	var (
		w     = job.WorkflowPayload{WorkflowID: workflowID}
		name  sql.NullString
		steps string
	)
	err := r.db.queryRow(ctx, r.db.DB,
		"SELECT name, steps FROM workflows WHERE id = ?", workflowID,
	).Scan(&name, &steps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := json.Unmarshal([]byte(steps), &w.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	w.Name = nullStringValue(name)
	return &w, nil
}

var _ schedule.WorkflowRepository = (*WorkflowRepository)(nil)
