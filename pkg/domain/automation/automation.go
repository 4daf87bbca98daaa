// Package automation defines the boundary to the external simulation tool.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prodcast/worker/pkg/domain/job"
)

// ErrorKind classifies automation failures for the retry state machine.
type ErrorKind string

const (
	// Transient failures may succeed on retry: timeouts, tool busy,
	// session slots exhausted.
	Transient ErrorKind = "transient"
	// Permanent failures never succeed on retry: invalid payload, model
	// rejected by the tool.
	Permanent ErrorKind = "permanent"
)

// Error is returned by Client.Execute.
type Error struct {
	Kind   ErrorKind
	Reason string
	// Output is the captured tool output, if any.
	Output string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("automation %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("automation %s: %s", e.Kind, e.Reason)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient creates a transient error.
func NewTransient(reason string, err error) *Error {
	return &Error{Kind: Transient, Reason: reason, Err: err}
}

// NewPermanent creates a permanent error.
func NewPermanent(reason string, err error) *Error {
	return &Error{Kind: Permanent, Reason: reason, Err: err}
}

// IsTransient reports whether err is a transient automation error.
func IsTransient(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == Transient
}

// Classify returns the error kind. Errors that are not automation errors
// are treated as permanent: retrying an unknown failure would only hide it.
func Classify(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Permanent
}

// Unit is one unit of work submitted to the tool.
type Unit struct {
	Key         job.Key
	Kind        job.Kind
	Attempt     int
	ModelPrefix string
	Payload     json.RawMessage

	// OnProgress, when set, receives progress events while the tool runs.
	OnProgress func(job.Progress)
}

// Client executes units of work. Each call opens its own session with the
// tool and closes it before returning; sessions are never reused.
type Client interface {
	Execute(ctx context.Context, u Unit) (*job.Output, error)
}

// ArtifactFetcher downloads model artifacts into a session directory.
type ArtifactFetcher interface {
	// FetchInto writes every artifact under prefix into dir and returns the
	// relative paths written.
	FetchInto(ctx context.Context, prefix, dir string) ([]string, error)
}
