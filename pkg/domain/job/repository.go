package job

import (
	"context"
	"errors"
	"time"
)

// ErrPersist wraps store failures while committing a result. The write is
// idempotent, so callers retry by redelivery.
var ErrPersist = errors.New("persist result")

// Record is the stored row for a job key. The highest attempt number that
// was ever persisted wins.
type Record struct {
	Key           Key
	AttemptNumber int
	Status        ResultStatus
	Error         string
	Output        string
	CompletedAt   time.Time
	Samples       []Sample
}

// Persister commits results to the shared store.
//
// Persist is an upsert keyed by Result.Key guarded by attempt number:
// a result whose attempt is lower than the stored one is discarded
// (applied=false), an equal attempt rewrites identical state.
type Persister interface {
	Persist(ctx context.Context, r *Result) (applied bool, err error)
	Get(ctx context.Context, key Key) (*Record, error)
}

// AttemptRepository stores the execution attempt history.
type AttemptRepository interface {
	// Begin inserts a pending attempt. Inserting the same (key, number)
	// twice is a no-op.
	Begin(ctx context.Context, a *Attempt) error

	// Finish records the outcome of a pending attempt, together with the
	// result for terminal outcomes. Outcomes already recorded are never
	// overwritten.
	Finish(ctx context.Context, a *Attempt, r *Result) error

	// LatestNumber returns the highest attempt number for key, 0 if none.
	LatestNumber(ctx context.Context, key Key) (int, error)

	// FindTerminal returns the terminal attempt recorded for a request, with
	// its result. Returns shared.ErrNotFound when the request has not
	// reached a terminal outcome.
	FindTerminal(ctx context.Context, key Key, requestID string) (*Attempt, *Result, error)

	// ListByKey returns every attempt for key ordered by number.
	ListByKey(ctx context.Context, key Key) ([]*Attempt, error)
}

// WorkflowStateRepository stores workflow run progress.
type WorkflowStateRepository interface {
	// Save upserts the state keyed by (workflow id, request id).
	Save(ctx context.Context, s *WorkflowState) error

	// Get returns shared.ErrNotFound when no state exists.
	Get(ctx context.Context, workflowID, requestID string) (*WorkflowState, error)
}

// ScenarioRepository updates the scenario rows shown to users.
type ScenarioRepository interface {
	UpdateStatus(ctx context.Context, scenarioID, status string) error
	AppendLog(ctx context.Context, scenarioID, message string, progress int, at time.Time) error
}
