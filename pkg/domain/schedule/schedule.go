// Package schedule models cron-driven workflow schedules.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/shared"
	"github.com/prodcast/worker/pkg/validator"
)

// Schedule triggers a workflow on a cron expression.
type Schedule struct {
	ID             int64
	WorkflowID     string
	CronExpression string
	NextRun        *time.Time
	LastRun        *time.Time
	IsActive       bool
}

// IsDue reports whether the schedule should fire at now. A schedule that
// has never been planned is due immediately.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	return s.NextRun == nil || !s.NextRun.After(now)
}

// Next returns the first activation strictly after t.
func (s *Schedule) Next(t time.Time) (time.Time, error) {
	sched, err := validator.ParseCron(s.CronExpression)
	if err != nil {
		return time.Time{}, shared.NewDomainError("INVALID_CRON",
			fmt.Sprintf("schedule %d: invalid cron expression %q", s.ID, s.CronExpression), shared.ErrInvalidInput)
	}
	return sched.Next(t).UTC(), nil
}

// LogStatus is the status of a scheduler log entry.
type LogStatus string

const (
	LogEnqueued LogStatus = "enqueued"
	LogError    LogStatus = "error"
)

// Log is one scheduler decision, kept for operators.
type Log struct {
	ScheduleID int64
	At         time.Time
	Status     LogStatus
	Message    string
}

// Repository persists schedules.
type Repository interface {
	// ListDue returns active schedules whose next run is at or before now,
	// or has never been planned.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)

	// Advance moves a schedule from prevNext to next and stamps lastRun.
	// It returns false when another scheduler advanced it first.
	Advance(ctx context.Context, id int64, prevNext *time.Time, next, lastRun time.Time) (bool, error)

	// AppendLog records a scheduler decision.
	AppendLog(ctx context.Context, l Log) error
}

// WorkflowRepository loads workflow definitions.
type WorkflowRepository interface {
	// GetWorkflow returns shared.ErrNotFound when the workflow is unknown.
	GetWorkflow(ctx context.Context, workflowID string) (*job.WorkflowPayload, error)
}
