// Package approval keeps quorum bookkeeping for approval-gate steps. It
// records responses and settles request status; resuming the waiting
// execution is the orchestrator's job.
package approval

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/internal/validation"
	"github.com/rendis/signflow/pkg/schema"
)

// Store is the persistence the gate needs.
type Store interface {
	CreateApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	RecordApprovalResponse(ctx context.Context, resp *schema.ApprovalResponse, decide store.ApprovalDecider) (*schema.ApprovalRequest, error)
	ResolveApprovalRequest(ctx context.Context, id string, status schema.ApprovalStatus, at time.Time) (bool, error)
}

// RequiredApprovals derives the quorum for mode over n approvers:
// any needs 1, all needs n, majority needs ceil(n/2).
func RequiredApprovals(mode schema.ApprovalMode, n int) int {
	if n <= 0 {
		return 0
	}
	switch mode {
	case schema.ApprovalModeAll:
		return n
	case schema.ApprovalModeMajority:
		return (n + 1) / 2
	default:
		return 1
	}
}

// Evaluate computes the status req should have at now. Terminal statuses are
// returned unchanged. Expiry wins over quorum, so a request answered after
// its deadline is never approved.
func Evaluate(req *schema.ApprovalRequest, now time.Time) schema.ApprovalStatus {
	if req.Status != schema.ApprovalStatusPending {
		return req.Status
	}
	if req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
		return schema.ApprovalStatusExpired
	}
	if req.CurrentApprovals >= req.RequiredApprovals {
		return schema.ApprovalStatusApproved
	}
	remaining := len(req.Approvers) - req.CurrentApprovals - req.CurrentRejections
	if req.CurrentApprovals+remaining < req.RequiredApprovals {
		return schema.ApprovalStatusRejected
	}
	return schema.ApprovalStatusPending
}

// Gate opens approval requests and records responses against them.
type Gate struct {
	store Store
	now   func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate over st.
func NewGate(st Store, opts ...Option) *Gate {
	g := &Gate{store: st, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

// OpenRequest describes the approval-gate step instance being entered.
type OpenRequest struct {
	ExecutionID string
	StepID      string
	Config      schema.ApprovalGateConfig
}

// Open creates a pending request. A non-empty timeout sets the expiry.
func (g *Gate) Open(ctx context.Context, in OpenRequest) (*schema.ApprovalRequest, error) {
	if len(in.Config.Approvers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval gate has no approvers").WithStep(in.StepID)
	}
	timeout, err := schema.ParseDuration(in.Config.Timeout)
	if err != nil {
		return nil, err
	}
	mode := in.Config.Mode
	if mode == "" {
		mode = schema.ApprovalModeAny
	}

	now := g.now().UTC()
	req := &schema.ApprovalRequest{
		ID:                uuid.NewString(),
		ExecutionID:       in.ExecutionID,
		StepID:            in.StepID,
		Mode:              mode,
		Status:            schema.ApprovalStatusPending,
		Approvers:         append([]string(nil), in.Config.Approvers...),
		RequiredApprovals: RequiredApprovals(mode, len(in.Config.Approvers)),
		EscalationUserID:  in.Config.EscalationUserID,
		CreatedAt:         now,
	}
	if timeout > 0 {
		exp := now.Add(timeout)
		req.ExpiresAt = &exp
	}
	if err := g.store.CreateApprovalRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns the request with its status re-evaluated at the current time.
// The stored row is not modified; see CheckExpiry.
func (g *Gate) Get(ctx context.Context, requestID string) (*schema.ApprovalRequest, error) {
	req, err := g.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req.Status = Evaluate(req, g.now())
	return req, nil
}

// RecordResponse stores one approver's decision and settles the request.
// Unknown approvers, duplicate responses and requests that are no longer
// pending fail with APPROVAL_ERROR and leave the counters untouched. The
// insert and the counter update share one store transaction.
func (g *Gate) RecordResponse(ctx context.Context, requestID, approverID string, decision schema.Decision, comment string) (*schema.ApprovalRequest, error) {
	resp := &schema.ApprovalResponse{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
	}
	if err := validation.Struct(resp); err != nil {
		return nil, err
	}

	return g.store.RecordApprovalResponse(ctx, resp, func(req *schema.ApprovalRequest, resp *schema.ApprovalResponse) error {
		if req.Status != schema.ApprovalStatusPending {
			return schema.NewErrorf(schema.ErrCodeApproval, "approval request %q is already %s", req.ID, req.Status).
				WithStep(req.StepID)
		}
		if !req.HasApprover(resp.ApproverID) {
			return schema.NewErrorf(schema.ErrCodeApproval, "%q is not an approver of request %q", resp.ApproverID, req.ID).
				WithStep(req.StepID)
		}

		if resp.Decision == schema.DecisionApproved {
			req.CurrentApprovals++
		} else {
			req.CurrentRejections++
		}
		now := g.now().UTC()
		resp.CreatedAt = now
		if status := Evaluate(req, now); status != schema.ApprovalStatusPending {
			req.Status = status
			req.ResolvedAt = &now
		}
		return nil
	})
}

// CheckExpiry moves a pending request past its deadline to expired. It
// returns the request and whether this call performed the transition.
func (g *Gate) CheckExpiry(ctx context.Context, requestID string, now time.Time) (*schema.ApprovalRequest, bool, error) {
	req, err := g.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if Evaluate(req, now) != schema.ApprovalStatusExpired || req.Status != schema.ApprovalStatusPending {
		return req, false, nil
	}
	won, err := g.store.ResolveApprovalRequest(ctx, req.ID, schema.ApprovalStatusExpired, now)
	if err != nil {
		return nil, false, err
	}
	if won {
		at := now.UTC()
		req.Status = schema.ApprovalStatusExpired
		req.ResolvedAt = &at
		return req, true, nil
	}
	req, err = g.store.GetApprovalRequest(ctx, requestID)
	return req, false, err
}
