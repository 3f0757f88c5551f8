package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/flowcanvas/pkg/schema"
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

// errorBody is the JSON shape of a failed run-control request.
type errorBody struct {
	Error   string                         `json:"error"`
	Code    string                         `json:"code,omitempty"`
	NodeID  string                         `json:"node_id,omitempty"`
	Details map[string]any                 `json:"details,omitempty"`
	State   *schema.WorkflowExecutionState `json:"state,omitempty"`
}

// writeFlowError maps a FlowError code to an HTTP status and writes it.
func writeFlowError(w http.ResponseWriter, err error, state *schema.WorkflowExecutionState) {
	body := errorBody{Error: err.Error(), State: state}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		body.Error = fe.Message
		body.Code = fe.Code
		body.NodeID = fe.NodeID
		body.Details = fe.Details
	}
	writeJSON(w, statusForCode(body.Code), body)
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeNodeNotFound:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes a size-limited request body into v. An empty body is
// accepted when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
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

// queryBool reports whether a query param is set to a true value.
func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
