package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/signflow/internal/engine"
	"github.com/rendis/signflow/pkg/schema"
)

func (s *PanelServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	id := r.PathValue("id")
	if err := s.deps.Engine.Cancel(r.Context(), id, body.Reason); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executionId": id, "cancelled": true})
}

func (s *PanelServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Engine.Retry(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id, "status": string(schema.ExecutionStatusRunning)})
}

// handleSignature is the callback a document service posts when a
// recipient has signed.
func (s *PanelServer) handleSignature(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecipientID string `json:"recipientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.RecipientID == "" {
		writeError(w, http.StatusBadRequest, "recipientId is required")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Engine.NotifySignature(r.Context(), id, body.RecipientID); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id, "recipientId": body.RecipientID})
}

func (s *PanelServer) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApproverID string          `json:"approverId"`
		Decision   schema.Decision `json:"decision"`
		Comment    string          `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	ar, err := s.deps.Engine.RespondToApproval(r.Context(), engine.ApprovalInput{
		RequestID:  r.PathValue("id"),
		ApproverID: body.ApproverID,
		Decision:   body.Decision,
		Comment:    body.Comment,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}
