package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/signflow/pkg/schema"
)

// UserNotifier pushes notifications to connected users.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// clientSender is the slice of MCPServer the notifier needs.
type clientSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// MCPNotifier implements UserNotifier using MCP session push.
type MCPNotifier struct {
	sender   clientSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes to the user's MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	return &MCPNotifier{sender: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends a notification to the user's session.
// Best-effort: returns nil if the user is not connected.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward is an event handler that relays lifecycle events to the user who
// started the execution.
func (n *MCPNotifier) Forward(ctx context.Context, ev schema.Event) {
	if ev.UserID == "" {
		return
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "signflow",
		"data": map[string]any{
			"event":       ev.Type,
			"timestamp":   ev.Timestamp.Format(time.RFC3339Nano),
			"executionId": ev.ExecutionID,
			"workflowId":  ev.WorkflowID,
			"documentId":  ev.DocumentID,
			"stepId":      ev.StepID,
			"data":        ev.Data,
		},
	}
	if err := n.Notify(ctx, ev.UserID, payload); err != nil && n.logger != nil {
		n.logger.Warn("notify user", "user_id", ev.UserID, "event", ev.Type, "error", err)
	}
}
