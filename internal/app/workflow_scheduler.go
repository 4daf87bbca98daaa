package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prodcast/worker/internal/metrics"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/schedule"
	"github.com/prodcast/worker/pkg/logger"
)

// Enqueuer submits requests to the broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *job.Request) (taskID string, err error)
}

// WorkflowScheduler periodically enqueues workflows whose schedule is due.
type WorkflowScheduler struct {
	schedules schedule.Repository
	workflows schedule.WorkflowRepository
	enqueuer  Enqueuer
	logger    *logger.Logger

	interval  time.Duration
	batchSize int
	now       func() time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// WorkflowSchedulerConfig holds configuration for the workflow scheduler.
type WorkflowSchedulerConfig struct {
	// CheckInterval is how often to check for due schedules (default: 1 minute)
	CheckInterval time.Duration
	// BatchSize is the max number of schedules to fire per cycle (default: 50)
	BatchSize int
}

// NewWorkflowScheduler creates a new WorkflowScheduler.
func NewWorkflowScheduler(
	schedules schedule.Repository,
	workflows schedule.WorkflowRepository,
	enqueuer Enqueuer,
	cfg WorkflowSchedulerConfig,
	log *logger.Logger,
) *WorkflowScheduler {
	interval := cfg.CheckInterval
	if interval == 0 {
		interval = time.Minute
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 50
	}

	return &WorkflowScheduler{
		schedules: schedules,
		workflows: workflows,
		enqueuer:  enqueuer,
		logger:    log.With("component", "workflow_scheduler"),
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the scheduler loop.
func (s *WorkflowScheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("workflow scheduler started", "interval", s.interval, "batch_size", s.batchSize)
}

// Stop stops the scheduler gracefully.
func (s *WorkflowScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("workflow scheduler stopped")
}

func (s *WorkflowScheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.Tick(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Tick fires every due schedule once and returns how many workflows were
// enqueued.
func (s *WorkflowScheduler) Tick(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := s.now().UTC()
	due, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list due schedules", "error", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	fired := 0
	for _, sc := range due {
		if s.fire(ctx, sc, now) {
			fired++
		}
	}
	if fired > 0 {
		s.logger.Info("enqueued scheduled workflows", "count", fired)
	}
	return fired
}

func (s *WorkflowScheduler) fire(ctx context.Context, sc *schedule.Schedule, now time.Time) bool {
	log := s.logger.With("schedule_id", sc.ID, "workflow_id", sc.WorkflowID)

	next, err := sc.Next(now)
	if err != nil {
		s.record(ctx, sc.ID, schedule.LogError, err.Error(), now)
		metrics.ScheduledRunsTotal.WithLabelValues("error").Inc()
		log.Error("cannot plan schedule", "error", err)
		return false
	}

	// Claim the firing before enqueueing so that concurrent schedulers
	// never submit the same run twice.
	claimed, err := s.schedules.Advance(ctx, sc.ID, sc.NextRun, next, now)
	if err != nil {
		log.Error("failed to advance schedule", "error", err)
		return false
	}
	if !claimed {
		log.Debug("schedule already claimed by another scheduler")
		return false
	}

	taskID, err := s.enqueue(ctx, sc)
	if err != nil {
		s.record(ctx, sc.ID, schedule.LogError, err.Error(), now)
		metrics.ScheduledRunsTotal.WithLabelValues("error").Inc()
		log.Error("failed to enqueue scheduled workflow", "error", err)
		return false
	}

	s.record(ctx, sc.ID, schedule.LogEnqueued, "enqueued task "+taskID, now)
	metrics.ScheduledRunsTotal.WithLabelValues("enqueued").Inc()
	log.Info("workflow enqueued by scheduler", "task_id", taskID, "next_run", next)
	return true
}

func (s *WorkflowScheduler) enqueue(ctx context.Context, sc *schedule.Schedule) (string, error) {
	p, err := s.workflows.GetWorkflow(ctx, sc.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("load workflow: %w", err)
	}
	p.ScheduleID = fmt.Sprint(sc.ID)

	req, err := job.NewWorkflowRequest(*p)
	if err != nil {
		return "", err
	}
	return s.enqueuer.Enqueue(ctx, req)
}

func (s *WorkflowScheduler) record(ctx context.Context, id int64, status schedule.LogStatus, msg string, at time.Time) {
	err := s.schedules.AppendLog(ctx, schedule.Log{
		ScheduleID: id,
		At:         at,
		Status:     status,
		Message:    job.Truncate(msg, 1000),
	})
	if err != nil {
		s.logger.Warn("failed to write schedule log", "schedule_id", id, "error", err)
	}
}
