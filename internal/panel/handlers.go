package panel

import (
	"net/http"

	"github.com/rendis/signflow/internal/diagram"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/pkg/schema"
)

func (s *PanelServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *PanelServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{Limit: queryInt(r, "limit", 100)}
	if v := r.URL.Query().Get("status"); v != "" {
		st := schema.WorkflowStatus(v)
		filter.Status = &st
	}
	wfs, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

func (s *PanelServer) handleWorkflowDetail(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *PanelServer) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeDiagram(w, r, wf, nil)
}

// handleExecutions lists executions, optionally narrowed by workflow_id,
// status and awaiting kind.
func (s *PanelServer) handleExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		WorkflowID:   q.Get("workflow_id"),
		AwaitingKind: schema.SuspensionKind(q.Get("awaiting")),
		Limit:        queryInt(r, "limit", 100),
	}
	if v := q.Get("status"); v != "" {
		st := schema.ExecutionStatus(v)
		filter.Status = &st
	}
	exs, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": exs})
}

func (s *PanelServer) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *PanelServer) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *PanelServer) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), view.Execution.WorkflowID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeDiagram(w, r, wf, view)
}

// writeDiagram renders Mermaid text, or a PNG when format=image.
func (s *PanelServer) writeDiagram(w http.ResponseWriter, r *http.Request, wf *schema.Workflow, view *schema.ExecutionStatusView) {
	model, err := diagram.BuildExecution(wf.Name, &wf.Definition, view)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if r.URL.Query().Get("format") == "image" {
		png, err := diagram.RenderImage(model)
		if err != nil {
			s.deps.Logger.Error("diagram render failed", "workflow_id", wf.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "image render failed")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
}

func (s *PanelServer) handleApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ApprovalFilter{ExecutionID: q.Get("execution_id"), Limit: queryInt(r, "limit", 100)}
	if v := q.Get("status"); v != "" {
		st := schema.ApprovalStatus(v)
		filter.Status = &st
	}
	reqs, err := s.deps.Store.ListApprovalRequests(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs})
}

// handleApprovalDetail returns the request together with its responses.
func (s *PanelServer) handleApprovalDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	req, err := s.deps.Store.GetApprovalRequest(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	responses, err := s.deps.Store.ListApprovalResponses(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req, "responses": responses})
}
