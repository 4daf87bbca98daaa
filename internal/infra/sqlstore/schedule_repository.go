package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/prodcast/worker/pkg/domain/schedule"
)

// ScheduleRepository implements schedule.Repository.
type ScheduleRepository struct {
	db *DB
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create inserts a schedule and sets its ID.
func (r *ScheduleRepository) Create(ctx context.Context, s *schedule.Schedule) error {
	query := `
		INSERT INTO workflow_schedules (workflow_id, cron_expression, next_run, last_run, is_active)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`
	err := r.db.queryRow(ctx, r.db.DB, query,
		s.WorkflowID,
		s.CronExpression,
		r.db.dialect.nullTimeArg(s.NextRun),
		r.db.dialect.nullTimeArg(s.LastRun),
		s.IsActive,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// ListDue returns active schedules whose next run has arrived.
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*schedule.Schedule, error) {
	query := `
		SELECT id, workflow_id, cron_expression, next_run, last_run, is_active
		FROM workflow_schedules
		WHERE is_active = ? AND (next_run IS NULL OR next_run <= ?)
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.query(ctx, r.db.DB, query, true, r.db.dialect.timeArg(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*schedule.Schedule
	for rows.Next() {
		var (
			s       schedule.Schedule
			nextRun scanTime
			lastRun scanTime
		)
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.CronExpression, &nextRun, &lastRun, &s.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		s.NextRun = nextRun.Ptr()
		s.LastRun = lastRun.Ptr()
		schedules = append(schedules, &s)
	}
	return schedules, rows.Err()
}

// Advance moves next_run forward if it still holds prevNext. Two schedulers
// racing on the same row both read prevNext; only one update matches.
func (r *ScheduleRepository) Advance(ctx context.Context, id int64, prevNext *time.Time, next, lastRun time.Time) (bool, error) {
	query := "UPDATE workflow_schedules SET next_run = ?, last_run = ? WHERE id = ? AND "
	args := []any{r.db.dialect.timeArg(next), r.db.dialect.timeArg(lastRun), id}
	if prevNext == nil {
		query += "next_run IS NULL"
	} else {
		query += "next_run = ?"
		args = append(args, r.db.dialect.timeArg(*prevNext))
	}

	result, err := r.db.exec(ctx, r.db.DB, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// AppendLog records a scheduler decision.
func (r *ScheduleRepository) AppendLog(ctx context.Context, l schedule.Log) error {
	query := `
		INSERT INTO workflow_schedule_logs (schedule_id, ts, status, message)
		VALUES (?, ?, ?, ?)
	`
	_, err := r.db.exec(ctx, r.db.DB, query, l.ScheduleID, r.db.dialect.timeArg(l.At), string(l.Status), l.Message)
	if err != nil {
		return fmt.Errorf("failed to append schedule log: %w", err)
	}
	return nil
}

var _ schedule.Repository = (*ScheduleRepository)(nil)
