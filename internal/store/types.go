package store

import (
	"time"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// RunSummary is the materialized view of one run, maintained as its events
// are appended.
type RunSummary struct {
	RunID       string                `json:"run_id"`
	Status      schema.WorkflowStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
	Stopped     bool                  `json:"stopped,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	FirstSeq    int64                 `json:"first_seq"`
	LastSeq     int64                 `json:"last_seq"`
	EventCount  int                   `json:"event_count"`
}

// RunFilter controls ListRuns.
type RunFilter struct {
	Status schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                   `json:"limit,omitempty"`
	Offset int                   `json:"offset,omitempty"`
}
