package schema

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the registry status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// Workflow is a registered, versioned workflow definition.
type Workflow struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Status     WorkflowStatus     `json:"status"`
	Definition WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// WorkflowDefinition is the JSON-serializable workflow format. Steps run in
// list order unless a conditional-branch jumps.
type WorkflowDefinition struct {
	Version   string         `json:"version,omitempty"`
	Steps     []WorkflowStep `json:"steps"`
	Variables map[string]any `json:"variables,omitempty"`
}

// IndexOf returns the position of the step with the given id, or -1.
func (d *WorkflowDefinition) IndexOf(stepID string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeSendDocument      StepType = "send-document"
	StepTypeAwaitSignature    StepType = "await-signature"
	StepTypeApprovalGate      StepType = "approval-gate"
	StepTypeConditionalBranch StepType = "conditional-branch"
	StepTypeParallel          StepType = "parallel"
	StepTypeWait              StepType = "wait"
)

// StepTypes lists every supported step type.
var StepTypes = []StepType{
	StepTypeSendDocument, StepTypeAwaitSignature, StepTypeApprovalGate,
	StepTypeConditionalBranch, StepTypeParallel, StepTypeWait,
}

// WorkflowStep describes a single step in a workflow. Config holds the
// concrete configuration for Type; see DecodeStepConfig.
//
// OnSuccess and OnFailure are validated as references but do not steer the
// execution loop: a failed step fails its execution.
type WorkflowStep struct {
	ID        string       `json:"id"`
	Type      StepType     `json:"type"`
	Name      string       `json:"name,omitempty"`
	Config    StepConfig   `json:"-"`
	OnSuccess string       `json:"onSuccess,omitempty"`
	OnFailure string       `json:"onFailure,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`
}

type workflowStepJSON struct {
	ID        string          `json:"id"`
	Type      StepType        `json:"type"`
	Name      string          `json:"name,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	OnSuccess string          `json:"onSuccess,omitempty"`
	OnFailure string          `json:"onFailure,omitempty"`
	Retry     *RetryPolicy    `json:"retry,omitempty"`
}

// UnmarshalJSON decodes the config payload into the struct matching Type.
func (s *WorkflowStep) UnmarshalJSON(data []byte) error {
	var raw workflowStepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeStepConfig(raw.Type, raw.Config)
	if err != nil {
		return NewErrorf(ErrCodeValidation, "step %q: %s", raw.ID, err.Error()).WithStep(raw.ID).WithCause(err)
	}
	*s = WorkflowStep{
		ID: raw.ID, Type: raw.Type, Name: raw.Name, Config: cfg,
		OnSuccess: raw.OnSuccess, OnFailure: raw.OnFailure, Retry: raw.Retry,
	}
	return nil
}

// MarshalJSON encodes the step with its config inline.
func (s WorkflowStep) MarshalJSON() ([]byte, error) {
	raw := workflowStepJSON{
		ID: s.ID, Type: s.Type, Name: s.Name,
		OnSuccess: s.OnSuccess, OnFailure: s.OnFailure, Retry: s.Retry,
	}
	if s.Config != nil {
		cfg, err := json.Marshal(s.Config)
		if err != nil {
			return nil, err
		}
		raw.Config = cfg
	}
	return json.Marshal(raw)
}

// RetryPolicy configures retries of transient failures. Delays are Go
// duration strings.
type RetryPolicy struct {
	MaxAttempts  int     `json:"maxAttempts"`
	InitialDelay string  `json:"initialDelay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	MaxDelay     string  `json:"maxDelay,omitempty"`
}

// ParseDuration parses an optional Go duration string; empty yields zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "invalid duration %q", s).WithCause(err)
	}
	if d < 0 {
		return 0, NewErrorf(ErrCodeValidation, "negative duration %q", s)
	}
	return d, nil
}
