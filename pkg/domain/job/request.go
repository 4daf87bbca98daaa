package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prodcast/worker/pkg/domain/shared"
	"github.com/prodcast/worker/pkg/validator"
)

// Request is a unit of work submitted to the broker. It is immutable once
// enqueued; every redelivery carries the same RequestID.
type Request struct {
	RequestID   string          `json:"request_id"`
	Kind        Kind            `json:"kind"`
	Key         Key             `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// ScenarioPayload describes one scenario run.
type ScenarioPayload struct {
	ScenarioID string `json:"scenario_id" validate:"required,entity_id"`
	StartDate  string `json:"start_date" validate:"required,iso_date"`
	EndDate    string `json:"end_date" validate:"required,iso_date"`

	// ModelPrefix is the artifact-store prefix holding the model files.
	ModelPrefix string `json:"model_prefix,omitempty" validate:"max=512"`

	// Timesteps is the number of timesteps the tool reports; used for progress.
	Timesteps int `json:"timesteps,omitempty" validate:"gte=0"`

	Parameters map[string]string `json:"parameters,omitempty"`
}

// Range returns the parsed start and end dates.
func (p *ScenarioPayload) Range() (time.Time, time.Time, error) {
	start, err := time.Parse(time.DateOnly, p.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start_date: %w", err)
	}
	end, err := time.Parse(time.DateOnly, p.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end_date: %w", err)
	}
	return start, end, nil
}

// WorkflowPayload describes an ordered workflow.
type WorkflowPayload struct {
	WorkflowID string     `json:"workflow_id" yaml:"workflow_id" validate:"required,entity_id"`
	Name       string     `json:"name,omitempty" yaml:"name" validate:"max=255"`
	ScheduleID string     `json:"schedule_id,omitempty" yaml:"-"`
	Steps      []StepSpec `json:"steps" yaml:"steps" validate:"required,min=1,max=100,dive"`
}

// StepSpec is one step of a workflow.
type StepSpec struct {
	Name        string            `json:"name" yaml:"name" validate:"required,max=255"`
	ModelPrefix string            `json:"model_prefix,omitempty" yaml:"model_prefix" validate:"max=512"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

// NewScenarioRequest validates the payload and builds a request keyed by
// the scenario id.
func NewScenarioRequest(p ScenarioPayload) (*Request, error) {
	if err := validateScenario(&p); err != nil {
		return nil, err
	}
	return newRequest(KindScenario, ScenarioKey(p.ScenarioID), p)
}

// NewWorkflowRequest validates the payload and builds a request keyed by
// the workflow id.
func NewWorkflowRequest(p WorkflowPayload) (*Request, error) {
	if err := validator.Default().Validate(p); err != nil {
		return nil, shared.NewValidationError("invalid workflow payload", err)
	}
	return newRequest(KindWorkflow, WorkflowKey(p.WorkflowID), p)
}

func newRequest(kind Kind, key Key, payload any) (*Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Request{
		RequestID:   uuid.NewString(),
		Kind:        kind,
		Key:         key,
		Payload:     data,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Validate checks the envelope and the typed payload.
func (r *Request) Validate() error {
	if _, err := uuid.Parse(r.RequestID); err != nil {
		return shared.NewValidationError("request_id must be a UUID", err)
	}
	if !r.Kind.Submittable() {
		return shared.NewValidationError(fmt.Sprintf("kind %q cannot be submitted", r.Kind), nil)
	}
	if r.Key.Kind() != r.Kind {
		return shared.NewValidationError(fmt.Sprintf("key %q does not match kind %q", r.Key, r.Kind), nil)
	}

	switch r.Kind {
	case KindScenario:
		p, err := r.Scenario()
		if err != nil {
			return err
		}
		if p.ScenarioID != r.Key.EntityID() {
			return shared.NewValidationError("scenario_id does not match key", nil)
		}
	case KindWorkflow:
		p, err := r.Workflow()
		if err != nil {
			return err
		}
		if p.WorkflowID != r.Key.EntityID() {
			return shared.NewValidationError("workflow_id does not match key", nil)
		}
	}
	return nil
}

// Scenario decodes and validates the scenario payload.
func (r *Request) Scenario() (*ScenarioPayload, error) {
	var p ScenarioPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return nil, shared.NewValidationError("decode scenario payload", err)
	}
	if err := validateScenario(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Workflow decodes and validates the workflow payload.
func (r *Request) Workflow() (*WorkflowPayload, error) {
	var p WorkflowPayload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return nil, shared.NewValidationError("decode workflow payload", err)
	}
	if err := validator.Default().Validate(p); err != nil {
		return nil, shared.NewValidationError("invalid workflow payload", err)
	}
	return &p, nil
}

func validateScenario(p *ScenarioPayload) error {
	if err := validator.Default().Validate(p); err != nil {
		return shared.NewValidationError("invalid scenario payload", err)
	}
	start, end, err := p.Range()
	if err != nil {
		return shared.NewValidationError("invalid scenario range", err)
	}
	if end.Before(start) {
		return shared.NewValidationError("end_date must not be before start_date", nil)
	}
	return nil
}
