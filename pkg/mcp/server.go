package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/signflow/internal/engine"
	"github.com/rendis/signflow/internal/events"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/internal/validation"
	"github.com/rendis/signflow/pkg/schema"
)

// Engine is the part of the orchestrator the tools drive.
type Engine interface {
	Start(ctx context.Context, req engine.StartRequest) (string, error)
	Status(ctx context.Context, executionID string) (*schema.ExecutionStatusView, error)
	RespondToApproval(ctx context.Context, in engine.ApprovalInput) (*schema.ApprovalRequest, error)
	NotifySignature(ctx context.Context, executionID, recipientID string) error
	Cancel(ctx context.Context, executionID, reason string) error
	Retry(ctx context.Context, executionID string) error
}

// SignflowServerDeps holds the dependencies for creating a SignflowServer.
type SignflowServerDeps struct {
	Engine    Engine
	Store     store.WorkflowStore
	Validator *validation.WorkflowValidator
	Webhooks  *events.Registry
	Sessions  *SessionRegistry
	Logger    *slog.Logger
}

// SignflowServer wraps an MCP server with signflow tool handlers.
type SignflowServer struct {
	engine    Engine
	store     store.WorkflowStore
	validator *validation.WorkflowValidator
	webhooks  *events.Registry
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewSignflowServer creates a SignflowServer with every tool registered.
func NewSignflowServer(deps SignflowServerDeps) *SignflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &SignflowServer{
		engine:    deps.Engine,
		store:     deps.Store,
		validator: deps.Validator,
		webhooks:  deps.Webhooks,
		sessions:  sessions,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"signflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Signflow runs multi-party document signing workflows. Register a workflow with signflow.define, "+
			"start it against a document with signflow.start, follow it with signflow.status, answer approval gates with "+
			"signflow.respond and report signatures with signflow.signed. signflow.diagram renders a workflow or execution as a flowchart."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SignflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SignflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the user to session mapping the notifier reads.
func (s *SignflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *SignflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: signedTool(), Handler: s.handleSigned},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: webhookTool(), Handler: s.handleWebhook},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("signflow.define",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: {version?, steps[], variables?}")),
		mcp.WithString("status",
			mcp.Enum(string(schema.WorkflowStatusActive), string(schema.WorkflowStatusDraft)),
			mcp.Description("Registry status (default: active)"),
		),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("signflow.start",
		mcp.WithDescription("Start an execution of an active workflow against a document"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("ID of the document to sign")),
		mcp.WithString("user_id", mcp.Description("Initiating user; receives lifecycle notifications")),
		mcp.WithObject("variables", mcp.Description("Variables merged over the workflow defaults")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("signflow.status",
		mcp.WithDescription("Get an execution and its step records"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("signflow.respond",
		mcp.WithDescription("Record an approver's decision on an approval request"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("approver_id", mcp.Required(), mcp.Description("ID of the responding approver")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum(string(schema.DecisionApproved), string(schema.DecisionRejected)),
			mcp.Description("Approver decision"),
		),
		mcp.WithString("comment", mcp.Description("Optional comment")),
	)
}

func signedTool() mcp.Tool {
	return mcp.NewTool("signflow.signed",
		mcp.WithDescription("Report that a recipient signed the document of a suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("recipient_id", mcp.Required(), mcp.Description("ID of the recipient who signed")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("signflow.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("reason", mcp.Description("Reason recorded on the execution")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("signflow.retry",
		mcp.WithDescription("Retry a failed execution from the step that failed"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func webhookTool() mcp.Tool {
	return mcp.NewTool("signflow.webhook",
		mcp.WithDescription("Manage webhook subscriptions to lifecycle events"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("register", "list", "enable", "disable", "remove", "deliveries"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("webhook_id", mcp.Description("Target webhook (enable, disable, remove, deliveries)")),
		mcp.WithString("url", mcp.Description("Endpoint URL (register)")),
		mcp.WithArray("events", mcp.WithStringItems(), mcp.Description("Event types or \"*\" (register)")),
		mcp.WithString("secret", mcp.Description("HMAC signing secret (register)")),
		mcp.WithNumber("max_attempts", mcp.Description("Delivery attempts per event, 1-20 (register, default: 3)")),
		mcp.WithString("initial_delay", mcp.Description("Delay before the first redelivery, e.g. 500ms (register, default: 1s)")),
		mcp.WithNumber("backoff_multiplier", mcp.Description("Delay growth per attempt, at least 1 (register, default: 2)")),
		mcp.WithNumber("limit", mcp.Description("Maximum deliveries to return (default: 50)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("signflow.diagram",
		mcp.WithDescription("Render a workflow as a flowchart. With execution_id the step status of that execution is overlaid"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to render")),
		mcp.WithString("execution_id", mcp.Description("Execution to render; its workflow is looked up")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "image"),
			mcp.Description("Output format: mermaid (flowchart syntax) or image (base64 PNG)"),
		),
	)
}
