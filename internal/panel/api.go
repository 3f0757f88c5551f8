package panel

import (
	"net/http"
	"strconv"

	"github.com/rendis/flowcanvas/internal/scheduler"
	"github.com/rendis/flowcanvas/internal/store"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// --- Journal ---

func (s *PanelServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	runs, err := s.deps.Journal.ListRuns(r.Context(), store.RunFilter{
		Status: schema.WorkflowStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeFlowError(w, err, nil)
		return
	}
	if runs == nil {
		runs = []*store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *PanelServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	run, err := s.deps.Journal.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents returns a run's journaled events with seq > since.
func (s *PanelServer) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	runID := r.PathValue("id")
	if _, err := s.deps.Journal.GetRun(r.Context(), runID); err != nil {
		writeFlowError(w, err, nil)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.deps.Journal.Events(r.Context(), runID, since)
	if err != nil {
		writeFlowError(w, err, nil)
		return
	}
	if events == nil {
		events = []schema.ExecutionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleRunState rebuilds a past run's state from its journaled events.
func (s *PanelServer) handleRunState(w http.ResponseWriter, r *http.Request) {
	if s.deps.EventLog == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	st, err := s.deps.EventLog.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Schedules ---

func (s *PanelServer) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.List())
}

func (s *PanelServer) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	var spec scheduler.JobSpec
	if err := decodeJSON(w, r, &spec, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if spec.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "cron is required")
		return
	}
	job, err := s.deps.Scheduler.Add(spec)
	if err != nil {
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *PanelServer) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	job, err := s.deps.Scheduler.Get(r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleUpdateSchedule pauses or resumes a schedule.
func (s *PanelServer) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.deps.Scheduler.SetEnabled(id, *body.Enabled); err != nil {
		writeFlowError(w, err, nil)
		return
	}
	job, err := s.deps.Scheduler.Get(id)
	if err != nil {
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *PanelServer) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Scheduler.Remove(id); err != nil {
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

// --- Secrets ---

type secretRequest struct {
	Value string `json:"value"`
}

func (s *PanelServer) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Secrets == nil {
		writeError(w, http.StatusServiceUnavailable, "secret vault not configured")
		return
	}
	keys, err := s.deps.Secrets.List(r.Context())
	if err != nil {
		writeFlowError(w, err, nil)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *PanelServer) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Secrets == nil {
		writeError(w, http.StatusServiceUnavailable, "secret vault not configured")
		return
	}
	var body secretRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := r.PathValue("key")
	if err := s.deps.Secrets.Store(r.Context(), key, []byte(body.Value)); err != nil {
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "stored": true})
}

func (s *PanelServer) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Secrets == nil {
		writeError(w, http.StatusServiceUnavailable, "secret vault not configured")
		return
	}
	if err := s.deps.Secrets.Delete(r.Context(), r.PathValue("key")); err != nil {
		writeFlowError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
