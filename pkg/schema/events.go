package schema

import "time"

// EventType tags an ExecutionEvent.
type EventType string

// Event types emitted during a run.
const (
	EventWorkflowStart    EventType = "workflow:start"
	EventWorkflowComplete EventType = "workflow:complete"
	EventWorkflowError    EventType = "workflow:error"

	// EventWorkflowReset clears the session view. It names the run it
	// discards but is not part of that run's history.
	EventWorkflowReset EventType = "workflow:reset"

	EventNodeStart    EventType = "node:start"
	EventNodeComplete EventType = "node:complete"
	EventNodeError    EventType = "node:error"
	EventNodeSkip     EventType = "node:skip"
	EventNodeData     EventType = "node:data"
)

// IsWorkflowEvent reports whether the event describes the whole run.
func (t EventType) IsWorkflowEvent() bool {
	switch t {
	case EventWorkflowStart, EventWorkflowComplete, EventWorkflowError:
		return true
	}
	return false
}

// ExecutionEvent is emitted for every state transition of a run.
type ExecutionEvent struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"runId"`
	NodeID    string         `json:"nodeId,omitempty"`
	NodeType  string         `json:"nodeType,omitempty"`
	Status    string         `json:"status,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Output    any            `json:"output,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reason    SkipReason     `json:"reason,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Stopped   bool           `json:"stopped,omitempty"`
}
