package store

import (
	"context"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// DefaultDSN keeps the journal in memory for the lifetime of the process.
const DefaultDSN = "file::memory:"

// Journal records execution events and the run summaries derived from them.
// All implementations must be safe for concurrent use.
type Journal interface {
	// Events
	AppendEvent(ctx context.Context, event schema.ExecutionEvent) error
	Events(ctx context.Context, runID string, sinceSeq int64) ([]schema.ExecutionEvent, error)
	EventsSince(ctx context.Context, sinceSeq int64, limit int) ([]schema.ExecutionEvent, error)

	// Runs
	GetRun(ctx context.Context, runID string) (*RunSummary, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error)
	Prune(ctx context.Context, keepRuns int) (int, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
