// Package panel serves the HTTP status surface: read-only views of
// workflows, executions and approvals, live event streams over SSE, and the
// callbacks a document service uses to report signatures.
package panel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rendis/signflow/internal/engine"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/internal/streaming"
	"github.com/rendis/signflow/pkg/schema"
)

// Engine is the part of the orchestrator the panel drives.
type Engine interface {
	Status(ctx context.Context, executionID string) (*schema.ExecutionStatusView, error)
	RespondToApproval(ctx context.Context, in engine.ApprovalInput) (*schema.ApprovalRequest, error)
	NotifySignature(ctx context.Context, executionID, recipientID string) error
	Cancel(ctx context.Context, executionID, reason string) error
	Retry(ctx context.Context, executionID string) error
}

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Store  store.Store
	Engine Engine
	Hub    streaming.Hub
	Logger *slog.Logger
}

// PanelServer serves the HTTP status surface.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Reads.
	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflowDetail)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleWorkflowDiagram)
	mux.HandleFunc("GET /api/executions", s.handleExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleExecutionDetail)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /api/executions/{id}/diagram", s.handleExecutionDiagram)
	mux.HandleFunc("GET /api/approvals", s.handleApprovals)
	mux.HandleFunc("GET /api/approvals/{id}", s.handleApprovalDetail)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	// Mutations.
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/executions/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/executions/{id}/signatures", s.handleSignature)
	mux.HandleFunc("POST /api/approvals/{id}/responses", s.handleRespond)

	return s.logRequests(mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests for up to five seconds.
func (s *PanelServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.deps.Logger.Info("panel listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *PanelServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.deps.Logger.Debug("panel request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
