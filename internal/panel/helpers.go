package panel

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rendis/signflow/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a SignflowError code onto an HTTP status and writes it with
// the code in the body.
func (s *PanelServer) writeErr(w http.ResponseWriter, err error) {
	code := schema.ErrorCode(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error("panel request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func httpStatus(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeApproval:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
