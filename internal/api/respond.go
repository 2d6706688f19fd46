package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/pkg/schema"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeEngineError maps err to a status code. Unexpected errors are logged
// and reported without their text.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		s.logger.ErrorContext(r.Context(), op+" failed", logging.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
		return
	}
	status := statusFor(engErr.Code)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), op+" failed", logging.Error(err))
	}
	writeJSON(w, status, errorBody{Error: engErr.Message, Code: engErr.Code, Details: engErr.Details})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound, schema.ErrCodeRoomNotFound, schema.ErrCodeWorkflowNotFound,
		schema.ErrCodeNodeNotFound, schema.ErrCodeStateNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeConcurrency, schema.ErrCodeInvalidStateTransition:
		return http.StatusConflict
	case schema.ErrCodeExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// queryInt extracts a non-negative integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
