package streaming

import (
	"context"
	"slices"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// Listener is invoked synchronously, in emission order, for every published event.
type Listener func(event schema.ExecutionEvent)

// EventFilter specifies which events a channel subscriber wants to receive.
type EventFilter struct {
	RunID      string             `json:"run_id,omitempty"`
	NodeID     string             `json:"node_id,omitempty"`
	EventTypes []schema.EventType `json:"event_types,omitempty"`
}

// Match reports whether the event passes the filter criteria.
func (f EventFilter) Match(e schema.ExecutionEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.NodeID != "" && f.NodeID != e.NodeID {
		return false
	}
	if len(f.EventTypes) > 0 {
		return slices.Contains(f.EventTypes, e.Type)
	}
	return true
}

// EventHub provides pub/sub for execution events. Any number of observers
// (UI projection, journal, logger, tests) can attach independently.
type EventHub interface {
	Publish(ctx context.Context, event schema.ExecutionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ExecutionEvent, func(), error)
	AddListener(fn Listener) (remove func())
}
