package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/signflow/internal/diagram"
	"github.com/rendis/signflow/internal/engine"
	"github.com/rendis/signflow/pkg/schema"
)

// handleDefine validates a definition and registers it as a workflow.
func (s *SignflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	status := schema.WorkflowStatus(req.GetString("status", string(schema.WorkflowStatusActive)))
	if status != schema.WorkflowStatusActive && status != schema.WorkflowStatusDraft {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
	}

	raw, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	def, result := s.validator.ParseDefinition(raw)
	if !result.Valid() {
		return marshalError(map[string]any{"valid": false, "errors": result.Errors})
	}

	now := time.Now().UTC()
	wf := &schema.Workflow{
		ID:         uuid.NewString(),
		Name:       name,
		Status:     status,
		Definition: *def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return toolError("failed to store workflow", err), nil
	}

	out := map[string]any{"workflowId": wf.ID, "name": name, "status": status}
	if len(result.Warnings) > 0 {
		out["warnings"] = result.Warnings
	}
	return marshalResult(out)
}

// handleStart starts an execution and returns its id without waiting.
func (s *SignflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	documentID, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError("document_id is required"), nil
	}
	userID := req.GetString("user_id", "")
	if userID != "" {
		s.captureSession(ctx, userID)
	}

	id, err := s.engine.Start(ctx, engine.StartRequest{
		WorkflowID: workflowID,
		DocumentID: documentID,
		UserID:     userID,
		Variables:  mcp.ParseStringMap(req, "variables", nil),
	})
	if err != nil {
		return toolError("start failed", err), nil
	}
	return marshalResult(map[string]any{"executionId": id, "status": schema.ExecutionStatusRunning})
}

func (s *SignflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	view, err := s.engine.Status(ctx, executionID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(view)
}

func (s *SignflowServer) handleRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	approverID, err := req.RequireString("approver_id")
	if err != nil {
		return mcp.NewToolResultError("approver_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	s.captureSession(ctx, approverID)

	ar, err := s.engine.RespondToApproval(ctx, engine.ApprovalInput{
		RequestID:  requestID,
		ApproverID: approverID,
		Decision:   schema.Decision(decision),
		Comment:    req.GetString("comment", ""),
	})
	if err != nil {
		return toolError("response rejected", err), nil
	}
	return marshalResult(ar)
}

func (s *SignflowServer) handleSigned(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	recipientID, err := req.RequireString("recipient_id")
	if err != nil {
		return mcp.NewToolResultError("recipient_id is required"), nil
	}
	if err := s.engine.NotifySignature(ctx, executionID, recipientID); err != nil {
		return toolError("signature not accepted", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "executionId": executionID, "recipientId": recipientID})
}

func (s *SignflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.engine.Cancel(ctx, executionID, req.GetString("reason", "")); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "executionId": executionID, "status": schema.ExecutionStatusFailed})
}

func (s *SignflowServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.engine.Retry(ctx, executionID); err != nil {
		return toolError("retry failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "executionId": executionID, "status": schema.ExecutionStatusRunning})
}

// handleWebhook multiplexes webhook registry operations.
func (s *SignflowServer) handleWebhook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.webhooks == nil {
		return mcp.NewToolResultError("webhooks are not configured"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	if action == "register" {
		wh, err := s.webhooks.Register(ctx, schema.WebhookConfig{
			URL:     req.GetString("url", ""),
			Events:  req.GetStringSlice("events", nil),
			Secret:  req.GetString("secret", ""),
			Enabled: true,
			Retry: schema.WebhookRetryPolicy{
				MaxAttempts:  req.GetInt("max_attempts", 0),
				InitialDelay: req.GetString("initial_delay", ""),
				Multiplier:   req.GetFloat("backoff_multiplier", 0),
			},
		})
		if err != nil {
			return toolError("register failed", err), nil
		}
		return marshalResult(wh)
	}
	if action == "list" {
		hooks, err := s.webhooks.List(ctx)
		if err != nil {
			return toolError("list failed", err), nil
		}
		return marshalResult(map[string]any{"webhooks": hooks})
	}

	id := req.GetString("webhook_id", "")
	if id == "" {
		return mcp.NewToolResultError(fmt.Sprintf("webhook_id is required for %s", action)), nil
	}
	switch action {
	case "enable", "disable":
		if err := s.webhooks.SetEnabled(ctx, id, action == "enable"); err != nil {
			return toolError(action+" failed", err), nil
		}
		return marshalResult(map[string]any{"ok": true, "webhookId": id, "enabled": action == "enable"})
	case "remove":
		if err := s.webhooks.Remove(ctx, id); err != nil {
			return toolError("remove failed", err), nil
		}
		return marshalResult(map[string]any{"ok": true, "webhookId": id})
	case "deliveries":
		ds, err := s.webhooks.Deliveries(ctx, id, req.GetInt("limit", 50))
		if err != nil {
			return toolError("deliveries query failed", err), nil
		}
		return marshalResult(map[string]any{"deliveries": ds})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown webhook action: %s", action)), nil
	}
}

// --- Internal helpers ---

// handleDiagram renders a workflow, or an execution with its step status
// overlaid, as Mermaid text or a base64 PNG.
func (s *SignflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}
	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("one of workflow_id or execution_id is required"), nil
	}

	var view *schema.ExecutionStatusView
	if executionID != "" {
		view, err = s.engine.Status(ctx, executionID)
		if err != nil {
			return toolError("execution lookup failed", err), nil
		}
		workflowID = view.Execution.WorkflowID
	}
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return toolError("workflow lookup failed", err), nil
	}

	model, err := diagram.BuildExecution(wf.Name, &wf.Definition, view)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	if format == "mermaid" {
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
	png, err := diagram.RenderImage(model)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
	}
	return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
}

// captureSession maps the user to its current MCP session for notifications.
func (s *SignflowServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// toolError reports err as a tool error, keeping its code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// marshalError is marshalResult flagged as an error.
func marshalError(v any) (*mcp.CallToolResult, error) {
	res, err := marshalResult(v)
	if res != nil {
		res.IsError = true
	}
	return res, err
}
