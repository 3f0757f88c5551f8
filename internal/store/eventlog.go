package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/flowcanvas/internal/logging"
	"github.com/rendis/flowcanvas/internal/projection"
	"github.com/rendis/flowcanvas/internal/streaming"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// EventLog records hub events into a Journal and rebuilds run state from it.
type EventLog struct {
	journal Journal
	logger  *slog.Logger
	maxRuns int
	detach  func()
}

// NewEventLog wraps a Journal. maxRuns > 0 prunes older runs whenever a run
// finishes.
func NewEventLog(j Journal, logger *slog.Logger, maxRuns int) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{journal: j, logger: logger, maxRuns: maxRuns}
}

// Attach starts recording every event published on hub. Appends run on the
// publishing goroutine so the journal order matches emission order.
func (el *EventLog) Attach(hub streaming.EventHub) {
	el.Detach()
	el.detach = hub.AddListener(el.Record)
}

// Detach stops recording.
func (el *EventLog) Detach() {
	if el.detach != nil {
		el.detach()
		el.detach = nil
	}
}

// Record appends one event. Failures are logged, never returned to the
// publisher. Resets are session events and are not journaled.
func (el *EventLog) Record(ev schema.ExecutionEvent) {
	if ev.Type == schema.EventWorkflowReset {
		return
	}
	ctx := logging.WithIDs(context.Background(), ev.RunID, ev.NodeID, ev.NodeType)
	if err := el.journal.AppendEvent(ctx, ev); err != nil {
		logging.LogWith(ctx, el.logger).Warn("journal append failed",
			slog.Int64("seq", ev.Seq),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()))
		return
	}
	if el.maxRuns > 0 && (ev.Type == schema.EventWorkflowComplete || ev.Type == schema.EventWorkflowError) {
		n, err := el.journal.Prune(ctx, el.maxRuns)
		if err != nil {
			logging.LogWith(ctx, el.logger).Warn("journal prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			el.logger.Debug("journal pruned", slog.Int("runs", n))
		}
	}
}

// Events returns the events of a run with seq > sinceSeq.
func (el *EventLog) Events(ctx context.Context, runID string, sinceSeq int64) ([]schema.ExecutionEvent, error) {
	return el.journal.Events(ctx, runID, sinceSeq)
}

// Replay folds all recorded events of a run into its execution state.
func (el *EventLog) Replay(ctx context.Context, runID string) (*schema.WorkflowExecutionState, error) {
	if _, err := el.journal.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := el.journal.Events(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	var last int64
	p := projection.New(nil)
	for _, ev := range events {
		if ev.Seq <= last {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"journal order broken in run %s: seq %d after %d", runID, ev.Seq, last)
		}
		last = ev.Seq
		p.Apply(ev)
	}
	return p.Snapshot(), nil
}
