package panel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rendis/flowcanvas/internal/streaming"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// replayLimit bounds how many journaled events one reconnect replays.
const replayLimit = 10000

// handleSSE streams events to the client via Server-Sent Events. Each
// message id is the event seq; a reconnect carrying Last-Event-ID (or
// ?since=) first replays the journaled events it missed.
// Filters: run_id, node_id.
func (s *PanelServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	filter := streaming.EventFilter{
		RunID:  r.URL.Query().Get("run_id"),
		NodeID: r.URL.Query().Get("node_id"),
	}

	// Subscribe before replaying so nothing falls between the two.
	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var last int64
	if since, ok := lastEventID(r); ok {
		last = since
		if s.deps.Journal != nil {
			missed, err := s.deps.Journal.EventsSince(r.Context(), since, replayLimit)
			if err != nil {
				s.deps.Logger.Warn("SSE replay failed", slog.String("error", err.Error()))
			}
			for _, ev := range missed {
				if !filter.Match(ev) {
					continue
				}
				writeSSE(w, ev)
				last = ev.Seq
			}
			flusher.Flush()
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= last {
				continue
			}
			last = event.Seq
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func lastEventID(r *http.Request) (int64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeSSE(w http.ResponseWriter, event schema.ExecutionEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data)
}
