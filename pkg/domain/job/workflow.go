package job

import (
	"time"
)

// WorkflowStatus represents the status of a workflow run.
type WorkflowStatus string

const (
	WorkflowQueued    WorkflowStatus = "queued"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// IsTerminal checks if the status is a terminal state.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// StepStatus is the state of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	// StepSkipped marks steps after a failed step. They are never attempted.
	StepSkipped StepStatus = "skipped"
)

// StepState tracks one step within a workflow run.
type StepState struct {
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	AttemptNumber int        `json:"attempt_number,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// WorkflowState is the persisted progress of one workflow request.
type WorkflowState struct {
	WorkflowID string
	RequestID  string
	ScheduleID string
	Status     WorkflowStatus
	Steps      []StepState
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// NewWorkflowState creates a running state with every step pending.
func NewWorkflowState(p *WorkflowPayload, requestID string, startedAt time.Time) *WorkflowState {
	steps := make([]StepState, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = StepState{Name: s.Name, Status: StepPending}
	}
	return &WorkflowState{
		WorkflowID: p.WorkflowID,
		RequestID:  requestID,
		ScheduleID: p.ScheduleID,
		Status:     WorkflowRunning,
		Steps:      steps,
		StartedAt:  startedAt.UTC(),
	}
}

// StartStep marks step i as running.
func (w *WorkflowState) StartStep(i int) {
	w.Steps[i].Status = StepRunning
}

// SucceedStep marks step i as persisted successfully.
func (w *WorkflowState) SucceedStep(i, attempt int) {
	w.Steps[i].Status = StepSucceeded
	w.Steps[i].AttemptNumber = attempt
	w.Steps[i].Error = ""
}

// FailStep marks step i failed, skips every later step and fails the
// workflow.
func (w *WorkflowState) FailStep(i, attempt int, reason string, at time.Time) {
	w.Steps[i].Status = StepFailed
	w.Steps[i].AttemptNumber = attempt
	w.Steps[i].Error = reason
	for j := i + 1; j < len(w.Steps); j++ {
		w.Steps[j].Status = StepSkipped
	}
	w.Status = WorkflowFailed
	w.Error = "step " + w.Steps[i].Name + " failed: " + reason
	w.finish(at)
}

// Complete marks the workflow completed. Every step must have succeeded.
func (w *WorkflowState) Complete(at time.Time) bool {
	for _, s := range w.Steps {
		if s.Status != StepSucceeded {
			return false
		}
	}
	w.Status = WorkflowCompleted
	w.finish(at)
	return true
}

// StepDone reports whether step i already succeeded for this request, so a
// redelivered workflow resumes after it.
func (w *WorkflowState) StepDone(i int) bool {
	return i < len(w.Steps) && w.Steps[i].Status == StepSucceeded
}

func (w *WorkflowState) finish(at time.Time) {
	t := at.UTC()
	w.FinishedAt = &t
}
