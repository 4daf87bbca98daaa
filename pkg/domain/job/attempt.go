package job

import (
	"errors"
	"time"
)

// Outcome is the recorded result of one execution attempt.
type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeFatalFailure     Outcome = "fatal_failure"
)

// ReasonBudgetExhausted is recorded when the last allowed attempt failed
// transiently.
const ReasonBudgetExhausted = "retry budget exhausted"

// ErrOutcomeRecorded is returned when an attempt's outcome is set twice.
var ErrOutcomeRecorded = errors.New("attempt outcome already recorded")

// IsValid checks if the outcome is valid.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePending, OutcomeSuccess, OutcomeRetryableFailure, OutcomeFatalFailure:
		return true
	}
	return false
}

// IsTerminal reports whether no further attempt follows this outcome.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeSuccess || o == OutcomeFatalFailure
}

// Attempt is one try at executing a job. Attempt numbers are strictly
// increasing per key, across retries and redeliveries.
type Attempt struct {
	Key        Key
	Number     int
	RequestID  string
	WorkerID   string
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    Outcome
	Reason     string
}

// NewAttempt creates a pending attempt.
func NewAttempt(key Key, number int, requestID, workerID string, startedAt time.Time) *Attempt {
	return &Attempt{
		Key:       key,
		Number:    number,
		RequestID: requestID,
		WorkerID:  workerID,
		StartedAt: startedAt,
		Outcome:   OutcomePending,
	}
}

// Finish records the outcome. An outcome is never changed once set.
func (a *Attempt) Finish(outcome Outcome, reason string, at time.Time) error {
	if a.Outcome != OutcomePending {
		return ErrOutcomeRecorded
	}
	a.Outcome = outcome
	a.Reason = reason
	a.FinishedAt = &at
	return nil
}
