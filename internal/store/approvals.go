package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/signflow/pkg/schema"
)

const approvalColumns = `id, execution_id, step_id, mode, status, approvers, required_approvals,
	current_approvals, current_rejections, escalation_user_id, expires_at, created_at, resolved_at`

func (s *LibSQLStore) CreateApprovalRequest(ctx context.Context, req *schema.ApprovalRequest) error {
	approvers, err := json.Marshal(req.Approvers)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal approvers").WithCause(err)
	}
	req.CreatedAt = timeOrNow(req.CreatedAt)
	if req.Status == "" {
		req.Status = schema.ApprovalStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExecutionID, req.StepID, string(req.Mode), string(req.Status), string(approvers),
		req.RequiredApprovals, req.CurrentApprovals, req.CurrentRejections, nullStr(req.EscalationUserID),
		nullTime(req.ExpiresAt), req.CreatedAt, nullTime(req.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetApprovalRequest(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	return getApprovalRequest(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getApprovalRequest(ctx context.Context, q queryRower, id string) (*schema.ApprovalRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanApprovalRequest(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval request", id)
	}
	return req, err
}

func (s *LibSQLStore) ListApprovalRequests(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, filter.ExpiresBefore.UTC())
	}
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ApprovalRequest
	for rows.Next() {
		req, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) RecordApprovalResponse(ctx context.Context, resp *schema.ApprovalResponse, decide ApprovalDecider) (*schema.ApprovalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	req, err := getApprovalRequest(ctx, tx, resp.RequestID)
	if err != nil {
		return nil, err
	}

	var dup int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_responses WHERE request_id = ? AND approver_id = ?`,
		resp.RequestID, resp.ApproverID).Scan(&dup)
	if err != nil {
		return nil, fmt.Errorf("check duplicate response: %w", err)
	}
	if dup > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeApproval,
			"approver %q already responded to request %q", resp.ApproverID, resp.RequestID)
	}

	if decide != nil {
		if err := decide(req, resp); err != nil {
			return nil, err
		}
	}

	resp.CreatedAt = timeOrNow(resp.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO approval_responses (id, request_id, approver_id, decision, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		resp.ID, resp.RequestID, resp.ApproverID, string(resp.Decision), nullStr(resp.Comment), resp.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, schema.NewErrorf(schema.ErrCodeApproval,
				"approver %q already responded to request %q", resp.ApproverID, resp.RequestID)
		}
		return nil, fmt.Errorf("insert approval response: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, current_approvals = ?, current_rejections = ?, resolved_at = ?
		 WHERE id = ?`,
		string(req.Status), req.CurrentApprovals, req.CurrentRejections, nullTime(req.ResolvedAt), req.ID,
	); err != nil {
		return nil, fmt.Errorf("update approval request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approval response: %w", err)
	}
	return req, nil
}

func (s *LibSQLStore) ResolveApprovalRequest(ctx context.Context, id string, status schema.ApprovalStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`,
		string(status), at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 && !s.exists(ctx, "approval_requests", id) {
		return false, storeNotFound("approval request", id)
	}
	return n == 1, nil
}

func (s *LibSQLStore) ListApprovalResponses(ctx context.Context, requestID string) ([]*schema.ApprovalResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, approver_id, decision, comment, created_at
		 FROM approval_responses WHERE request_id = ? ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ApprovalResponse
	for rows.Next() {
		var (
			r        schema.ApprovalResponse
			decision string
			comment  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ApproverID, &decision, &comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Decision = schema.Decision(decision)
		r.Comment = comment.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

func scanApprovalRequest(sc scanner) (*schema.ApprovalRequest, error) {
	var (
		r                 schema.ApprovalRequest
		mode, status      string
		approvers         string
		escalation        sql.NullString
		expires, resolved sql.NullTime
	)
	if err := sc.Scan(&r.ID, &r.ExecutionID, &r.StepID, &mode, &status, &approvers, &r.RequiredApprovals,
		&r.CurrentApprovals, &r.CurrentRejections, &escalation, &expires, &r.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	r.Mode = schema.ApprovalMode(mode)
	r.Status = schema.ApprovalStatus(status)
	r.EscalationUserID = escalation.String
	r.ExpiresAt = timePtr(expires)
	r.ResolvedAt = timePtr(resolved)
	if err := json.Unmarshal([]byte(approvers), &r.Approvers); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode approvers of request %q", r.ID).WithCause(err)
	}
	return &r, nil
}
