package job

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prodcast/worker/pkg/domain/shared"
)

// Kind identifies what a job runs.
type Kind string

const (
	KindScenario     Kind = "scenario"
	KindWorkflow     Kind = "workflow"
	KindWorkflowStep Kind = "workflow_step"
)

// Broker queue names.
const (
	QueueScenarios = "scenarios"
	QueueWorkflows = "workflows"
)

// IsValid checks if the kind is valid.
func (k Kind) IsValid() bool {
	switch k {
	case KindScenario, KindWorkflow, KindWorkflowStep:
		return true
	}
	return false
}

// Submittable reports whether requests of this kind can be enqueued
// directly. Workflow steps only run inside their workflow.
func (k Kind) Submittable() bool {
	return k == KindScenario || k == KindWorkflow
}

// Queue returns the broker queue requests of this kind are routed to.
func (k Kind) Queue() string {
	if k == KindScenario {
		return QueueScenarios
	}
	return QueueWorkflows
}

const stepSegment = "step"

// Key is the stable identity used for exclusivity and persistence.
// String forms:
//
//	scenario:<id>
//	workflow:<id>
//	workflow:<id>:step:<n>
type Key struct {
	kind Kind
	id   string
	step int
}

// ScenarioKey returns the key of a scenario run.
func ScenarioKey(scenarioID string) Key {
	return Key{kind: KindScenario, id: scenarioID, step: -1}
}

// WorkflowKey returns the key of a whole workflow.
func WorkflowKey(workflowID string) Key {
	return Key{kind: KindWorkflow, id: workflowID, step: -1}
}

// StepKey returns the key of the step at index within a workflow.
func StepKey(workflowID string, index int) Key {
	return Key{kind: KindWorkflowStep, id: workflowID, step: index}
}

// ParseKey parses the string form of a key.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	invalid := shared.NewDomainError("INVALID_JOB_KEY", fmt.Sprintf("invalid job key %q", s), shared.ErrInvalidInput)

	switch {
	case len(parts) == 2 && parts[1] != "":
		switch Kind(parts[0]) {
		case KindScenario:
			return ScenarioKey(parts[1]), nil
		case KindWorkflow:
			return WorkflowKey(parts[1]), nil
		}
	case len(parts) == 4 && Kind(parts[0]) == KindWorkflow && parts[1] != "" && parts[2] == stepSegment:
		n, err := strconv.Atoi(parts[3])
		if err != nil || n < 0 {
			return Key{}, invalid
		}
		return StepKey(parts[1], n), nil
	}
	return Key{}, invalid
}

// String returns the canonical string form.
func (k Key) String() string {
	switch k.kind {
	case KindWorkflowStep:
		return fmt.Sprintf("%s:%s:%s:%d", KindWorkflow, k.id, stepSegment, k.step)
	case "":
		return ""
	default:
		return string(k.kind) + ":" + k.id
	}
}

// Kind returns the kind of job the key identifies.
func (k Key) Kind() Kind { return k.kind }

// EntityID returns the scenario or workflow id.
func (k Key) EntityID() string { return k.id }

// StepIndex returns the step index for workflow step keys.
func (k Key) StepIndex() (int, bool) {
	if k.kind != KindWorkflowStep {
		return 0, false
	}
	return k.step, true
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k.kind == "" }

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(data []byte) error {
	parsed, err := ParseKey(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
