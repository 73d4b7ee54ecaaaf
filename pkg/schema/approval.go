package schema

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Decision is a single approver's vote.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalRequest tracks quorum for one approval-gate step instance.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	ExecutionID       string         `json:"executionId"`
	StepID            string         `json:"stepId"`
	Mode              ApprovalMode   `json:"mode"`
	Status            ApprovalStatus `json:"status"`
	Approvers         []string       `json:"approvers"`
	RequiredApprovals int            `json:"requiredApprovals"`
	CurrentApprovals  int            `json:"currentApprovals"`
	CurrentRejections int            `json:"currentRejections"`
	EscalationUserID  string         `json:"escalationUserId,omitempty"`
	ExpiresAt         *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	ResolvedAt        *time.Time     `json:"resolvedAt,omitempty"`
}

// HasApprover reports whether id is on the approver list.
func (r *ApprovalRequest) HasApprover(id string) bool {
	for _, a := range r.Approvers {
		if a == id {
			return true
		}
	}
	return false
}

// ApprovalResponse is one approver's recorded decision.
type ApprovalResponse struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId" validate:"required"`
	ApproverID string    `json:"approverId" validate:"required"`
	Decision   Decision  `json:"decision" validate:"required,oneof=approved rejected"`
	Comment    string    `json:"comment,omitempty" validate:"max=2000"`
	CreatedAt  time.Time `json:"createdAt"`
}
