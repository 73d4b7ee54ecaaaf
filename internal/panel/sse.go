package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/signflow/internal/streaming"
)

// handleSSEGlobal streams every event, narrowed by the optional workflow_id,
// document_id and types (comma separated) query parameters.
func (s *PanelServer) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := streaming.Filter{WorkflowID: q.Get("workflow_id"), DocumentID: q.Get("document_id")}
	if v := q.Get("types"); v != "" {
		filter.EventTypes = strings.Split(v, ",")
	}
	s.serveSSE(w, r, filter)
}

// handleSSEExecution streams events for a single execution.
func (s *PanelServer) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.Filter{ExecutionID: r.PathValue("id")})
}

func (s *PanelServer) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming disabled")
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
