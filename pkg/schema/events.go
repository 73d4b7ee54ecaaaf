package schema

import "time"

// Event type constants. These are the values carried in the webhook X-Event
// header and in the audit log.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowResumed   = "workflow.resumed"
	EventWorkflowSuspended = "workflow.suspended"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowRetried   = "workflow.retried"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"
	EventStepRetrying  = "step.retrying"

	EventApprovalRequested = "approval.requested"
	EventApprovalResponded = "approval.responded"
	EventApprovalResolved  = "approval.resolved"

	EventDocumentSent      = "document.sent"
	EventSignatureReceived = "signature.received"
)

// AllEventTypes lists every event the engine emits.
var AllEventTypes = []string{
	EventWorkflowStarted, EventWorkflowResumed, EventWorkflowSuspended,
	EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowRetried,
	EventStepStarted, EventStepCompleted, EventStepFailed, EventStepSkipped, EventStepRetrying,
	EventApprovalRequested, EventApprovalResponded, EventApprovalResolved,
	EventDocumentSent, EventSignatureReceived,
}

// EventWildcard subscribes a webhook to every event type.
const EventWildcard = "*"

// Event is a lifecycle notification. Its JSON form is the webhook payload.
type Event struct {
	Type        string         `json:"event"`
	Timestamp   time.Time      `json:"timestamp"`
	UserID      string         `json:"userId,omitempty"`
	DocumentID  string         `json:"documentId,omitempty"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	StepID      string         `json:"stepId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// StepStatus represents the lifecycle state of a step record.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether no further transitions are recorded for the step.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}
