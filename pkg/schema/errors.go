package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeStore                  = "STORE_ERROR"
	ErrCodeConcurrency            = "CONCURRENCY_ERROR"
	ErrCodeRoomNotFound           = "ROOM_NOT_FOUND"
	ErrCodeWorkflowNotFound       = "WORKFLOW_NOT_FOUND"
	ErrCodeNodeNotFound           = "NODE_NOT_FOUND"
	ErrCodeStateNotFound          = "STATE_NOT_FOUND"
	ErrCodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ErrCodeExecutionTimeout       = "EXECUTION_TIMEOUT"
	ErrCodeNoTransition           = "NO_TRANSITION"
	ErrCodeExecutorNotRegistered  = "EXECUTOR_NOT_REGISTERED"
	ErrCodeNodeExecution          = "NODE_EXECUTION_FAILED"
	ErrCodeToolNotFound           = "TOOL_NOT_FOUND"
	ErrCodeToolExecution          = "TOOL_EXECUTION_ERROR"
	ErrCodeLLMProvider            = "LLM_PROVIDER_ERROR"
	ErrCodeCircuitOpen            = "CIRCUIT_OPEN"
	ErrCodeExpression             = "EXPRESSION_ERROR"
	ErrCodeInterpolation          = "INTERPOLATION_ERROR"
)

// Reasons attached to CONCURRENCY_ERROR details.
const (
	ReasonLockHeld       = "lock_held"
	ReasonStatusConflict = "status_conflict"
	ReasonLockLost       = "lock_lost"
)

// EngineError is the structured error type returned across the engine API.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details, merging with any already present.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// ErrorCode returns the code of the outermost EngineError in err's chain, or "".
func ErrorCode(err error) string {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return ""
}

// HasCode reports whether err carries an EngineError with the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsConcurrency reports whether err is a non-fatal concurrency conflict.
func IsConcurrency(err error) bool {
	return HasCode(err, ErrCodeConcurrency)
}

// --- Constructors for the engine taxonomy ---

// NewConcurrencyError reports that a room is already being executed.
func NewConcurrencyError(roomID, reason string) *EngineError {
	return NewErrorf(ErrCodeConcurrency, "room is already being executed: %s", roomID).
		WithDetails(map[string]any{"room_id": roomID, "reason": reason})
}

// NewRoomNotFoundError reports a missing room.
func NewRoomNotFoundError(roomID string) *EngineError {
	return NewErrorf(ErrCodeRoomNotFound, "room not found: %s", roomID).
		WithDetails(map[string]any{"room_id": roomID})
}

// NewWorkflowNotFoundError reports a missing workflow.
func NewWorkflowNotFoundError(workflowID string) *EngineError {
	return NewErrorf(ErrCodeWorkflowNotFound, "workflow not found: %s", workflowID).
		WithDetails(map[string]any{"workflow_id": workflowID})
}

// NewNodeNotFoundError reports a node id that does not resolve within its workflow.
func NewNodeNotFoundError(nodeID string) *EngineError {
	return NewErrorf(ErrCodeNodeNotFound, "node not found: %s", nodeID).
		WithNode(nodeID).
		WithDetails(map[string]any{"node_id": nodeID})
}

// NewInvalidStateTransitionError reports a rejected cursor or status change.
func NewInvalidStateTransitionError(from, to string) *EngineError {
	return NewErrorf(ErrCodeInvalidStateTransition, "invalid state transition from %s to %s", from, to).
		WithDetails(map[string]any{"from": from, "to": to})
}

// NewExecutionTimeoutError reports a run that exceeded its wall-clock budget.
func NewExecutionTimeoutError(roomID string, timeoutMs int64) *EngineError {
	return NewErrorf(ErrCodeExecutionTimeout, "execution timeout after %dms", timeoutMs).
		WithDetails(map[string]any{"room_id": roomID, "timeout_ms": timeoutMs})
}

// NewStateNotFoundError reports missing execution state where it is required.
func NewStateNotFoundError(roomID string) *EngineError {
	return NewErrorf(ErrCodeStateNotFound, "state not found for room %s", roomID).
		WithDetails(map[string]any{"room_id": roomID})
}
