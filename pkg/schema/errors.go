package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNodeNotFound  = "NODE_NOT_FOUND"
	ErrCodeCycleDetected = "CYCLE_DETECTED"
	ErrCodeLookup        = "LOOKUP_ERROR"
	ErrCodeExecutor      = "EXECUTOR_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeNotFound      = "NOT_FOUND"

	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

// ErrAlreadyRunning is returned when Execute is called while a run is in progress.
var ErrAlreadyRunning = NewError(ErrCodeConflict, "a workflow execution is already running")

// FlowError is the structured error type for graph, lookup and executor failures.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is matches another FlowError by code, so errors.Is(err, ErrAlreadyRunning) works.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsGraphError reports whether err aborts a run before any node starts.
func IsGraphError(err error) bool {
	var fe *FlowError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case ErrCodeValidation, ErrCodeNodeNotFound, ErrCodeCycleDetected:
		return true
	}
	return false
}

// ErrorCode returns the FlowError code carried by err, or "" if there is none.
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
