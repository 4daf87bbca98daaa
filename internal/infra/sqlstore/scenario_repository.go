package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/prodcast/worker/pkg/domain/job"
)

// ScenarioRepository implements job.ScenarioRepository.
type ScenarioRepository struct {
	db *DB
}

// NewScenarioRepository creates a new ScenarioRepository.
func NewScenarioRepository(db *DB) *ScenarioRepository {
	return &ScenarioRepository{db: db}
}

// UpdateStatus sets the user-visible status of a scenario, creating the
// row when the scenario was submitted without one.
func (r *ScenarioRepository) UpdateStatus(ctx context.Context, scenarioID, status string) error {
	query := `
		INSERT INTO scenarios (scenario_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (scenario_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := r.db.exec(ctx, r.db.DB, query, scenarioID, status, r.db.dialect.timeArg(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to update scenario status: %w", err)
	}
	return nil
}

// AppendLog adds a progress entry to the scenario log.
func (r *ScenarioRepository) AppendLog(ctx context.Context, scenarioID, message string, progress int, at time.Time) error {
	query := `
		INSERT INTO scenario_logs (scenario_id, ts, message, progress)
		VALUES (?, ?, ?, ?)
	`
	_, err := r.db.exec(ctx, r.db.DB, query, scenarioID, r.db.dialect.timeArg(at), message, progress)
	if err != nil {
		return fmt.Errorf("failed to append scenario log: %w", err)
	}
	return nil
}

// Status returns the current status of a scenario.
func (r *ScenarioRepository) Status(ctx context.Context, scenarioID string) (string, error) {
	var status string
	err := r.db.queryRow(ctx, r.db.DB,
		"SELECT status FROM scenarios WHERE scenario_id = ?", scenarioID,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to get scenario status: %w", err)
	}
	return status, nil
}

var _ job.ScenarioRepository = (*ScenarioRepository)(nil)
