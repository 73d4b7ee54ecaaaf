package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/signflow/pkg/schema"
)

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus
	Limit  int
}

// ExecutionUpdate holds optional fields for a partial execution update.
// The Expect* fields turn the update into a compare-and-set: when the row
// exists but does not match, the update fails with CONFLICT.
type ExecutionUpdate struct {
	Status           *schema.ExecutionStatus
	CurrentStepIndex *int
	Context          json.RawMessage
	ErrorMessage     *string
	Awaiting         *schema.Suspension
	ClearAwaiting    bool
	StartedAt        *time.Time
	CompletedAt      *time.Time

	ExpectStatus      *schema.ExecutionStatus
	ExpectAwaitingRef *string
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status         *schema.ExecutionStatus
	WorkflowID     string
	AwaitingKind   schema.SuspensionKind
	AwaitingRef    string
	DeadlineBefore *time.Time
	Limit          int
}

// StepRecordUpdate holds optional fields for a step record update. Terminal
// records refuse updates.
type StepRecordUpdate struct {
	Status       *schema.StepStatus
	Result       json.RawMessage
	ErrorMessage *string
	Attempts     *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ApprovalFilter narrows ListApprovalRequests.
type ApprovalFilter struct {
	Status        *schema.ApprovalStatus
	ExecutionID   string
	ExpiresBefore *time.Time
	Limit         int
}

// ApprovalDecider inspects and mutates a request inside the response
// transaction. Returning an error aborts the transaction.
type ApprovalDecider func(req *schema.ApprovalRequest, resp *schema.ApprovalResponse) error

// WebhookFilter narrows ListWebhooks.
type WebhookFilter struct {
	EnabledOnly bool
	EventType   string // matches subscriptions to this type or "*"
}

// WebhookUpdate holds optional fields for a webhook update.
type WebhookUpdate struct {
	URL     *string
	Events  []string
	Enabled *bool
	Retry   *schema.WebhookRetryPolicy
}

// Timer is a durable wake-up for a suspended wait step.
type Timer struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"executionId"`
	StepID      string    `json:"stepId"`
	FireAt      time.Time `json:"fireAt"`
	Fired       bool      `json:"fired"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Event is a persisted lifecycle event with a per-execution sequence.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"executionId"`
	StepID      string          `json:"stepId,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}
