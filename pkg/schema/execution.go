package schema

import (
	"encoding/json"
	"time"
)

// Execution is one running instance of a workflow against one document.
type Execution struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflowId"`
	DocumentID       string          `json:"documentId"`
	UserID           string          `json:"userId"`
	Status           ExecutionStatus `json:"status"`
	CurrentStepIndex int             `json:"currentStepIndex"`
	Context          json.RawMessage `json:"context,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	Awaiting         *Suspension     `json:"awaiting,omitempty"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// SuspensionKind names what a suspended execution is waiting for.
type SuspensionKind string

const (
	SuspendApproval  SuspensionKind = "approval"
	SuspendSignature SuspensionKind = "signature"
	SuspendTimer     SuspensionKind = "timer"
)

// Suspension records why an execution handed back control. Ref is the
// approval request id, recipient id or timer id depending on Kind.
type Suspension struct {
	Kind      SuspensionKind `json:"kind"`
	Ref       string         `json:"ref"`
	StepID    string         `json:"stepId"`
	StepIndex int            `json:"stepIndex"`
	RecordID  string         `json:"recordId,omitempty"`
	Deadline  *time.Time     `json:"deadline,omitempty"`
}

// StepRecord is the audit row of one step instance.
type StepRecord struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"executionId"`
	StepID       string          `json:"stepId"`
	StepIndex    int             `json:"stepIndex"`
	Type         StepType        `json:"type"`
	Status       StepStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Attempts     int             `json:"attempts"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ExecutionStatusView bundles an execution with its step trail.
type ExecutionStatusView struct {
	Execution *Execution    `json:"execution"`
	Steps     []*StepRecord `json:"steps"`
}
