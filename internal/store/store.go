package store

import (
	"context"
	"time"

	"github.com/rendis/signflow/pkg/schema"
)

// WorkflowStore persists registered workflow definitions.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
}

// ExecutionStore persists executions and their step records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, ex *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)

	AppendStepRecord(ctx context.Context, rec *schema.StepRecord) error
	GetStepRecord(ctx context.Context, id string) (*schema.StepRecord, error)
	UpdateStepRecord(ctx context.Context, id string, update StepRecordUpdate) error
	ListStepRecords(ctx context.Context, executionID string) ([]*schema.StepRecord, error)
}

// ApprovalStore persists approval requests and responses.
type ApprovalStore interface {
	CreateApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	ListApprovalRequests(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error)
	// RecordApprovalResponse inserts resp and applies decide to the request
	// in one transaction. A second response from the same approver fails
	// with APPROVAL_ERROR and leaves the counters untouched.
	RecordApprovalResponse(ctx context.Context, resp *schema.ApprovalResponse, decide ApprovalDecider) (*schema.ApprovalRequest, error)
	// ResolveApprovalRequest moves a pending request to status. It reports
	// false when the request was no longer pending.
	ResolveApprovalRequest(ctx context.Context, id string, status schema.ApprovalStatus, at time.Time) (bool, error)
	ListApprovalResponses(ctx context.Context, requestID string) ([]*schema.ApprovalResponse, error)
}

// WebhookStore persists webhook registrations and delivery outcomes.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, wh *schema.WebhookConfig) error
	GetWebhook(ctx context.Context, id string) (*schema.WebhookConfig, error)
	UpdateWebhook(ctx context.Context, id string, update WebhookUpdate) error
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context, filter WebhookFilter) ([]*schema.WebhookConfig, error)
	RecordDelivery(ctx context.Context, d *schema.WebhookDelivery) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*schema.WebhookDelivery, error)
}

// TimerStore persists wait-step timers.
type TimerStore interface {
	CreateTimer(ctx context.Context, t *Timer) error
	// ClaimTimer marks the timer fired and reports whether this caller won.
	ClaimTimer(ctx context.Context, id string) (bool, error)
	ListDueTimers(ctx context.Context, now time.Time) ([]*Timer, error)
}

// EventStore is the append-only lifecycle event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
}

// Store is the full persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	WorkflowStore
	ExecutionStore
	ApprovalStore
	WebhookStore
	TimerStore
	EventStore

	Migrate(ctx context.Context) error
	Close() error
}
