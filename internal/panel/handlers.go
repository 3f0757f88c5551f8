package panel

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/rendis/flowcanvas/internal/diagram"
	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// executeRequest is the body of POST /api/execute.
type executeRequest struct {
	schema.Workflow
	StartNodeID string         `json:"startNodeId,omitempty"`
	Trigger     map[string]any `json:"trigger,omitempty"`
}

// handleExecute runs a workflow. By default the request waits for the run
// and returns its final state; async=true returns 202 right away and the
// caller follows the SSE stream.
func (s *PanelServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := engine.ExecuteOptions{StartNodeID: body.StartNodeID, Trigger: body.Trigger}
	s.runWorkflow(w, r, body.Workflow, opts)
}

// handleExecuteFromNode re-runs the subgraph reachable from a node, reusing
// the previous outputs of upstream nodes.
func (s *PanelServer) handleExecuteFromNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	var body schema.Workflow
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runWorkflow(w, r, body, engine.ExecuteOptions{StartNodeID: nodeID})
}

// runWorkflow answers 409 when a run is in progress. An async run is
// claimed before the 202 is written, so an accepted run is never dropped.
func (s *PanelServer) runWorkflow(w http.ResponseWriter, r *http.Request, wf schema.Workflow, opts engine.ExecuteOptions) {
	if queryBool(r, "async") {
		err := s.deps.Engine.Start(s.base, wf.Nodes, wf.Edges, opts, func(_ *schema.WorkflowExecutionState, err error) {
			if err != nil {
				s.deps.Logger.Warn("async run failed", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			writeFlowError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
		return
	}

	st, err := s.deps.Engine.Execute(r.Context(), wf.Nodes, wf.Edges, opts)
	if err != nil {
		if errors.Is(err, schema.ErrAlreadyRunning) {
			st = nil
		}
		writeFlowError(w, err, st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleStop requests a cooperative stop of the current run.
func (s *PanelServer) handleStop(w http.ResponseWriter, _ *http.Request) {
	stopped := s.deps.Engine.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"stopping": stopped})
}

// handleReset clears run state. The projection follows through the reset
// event.
func (s *PanelServer) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Engine.Reset(); err != nil {
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleState returns the current run state. source=projection returns the
// event-folded view instead of the orchestrator's own.
func (s *PanelServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "projection" {
		if s.deps.Projection == nil {
			writeError(w, http.StatusServiceUnavailable, "projection not configured")
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Projection.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.State())
}

func (s *PanelServer) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status := s.deps.Engine.NodeStatus(id)
	if s.deps.Projection != nil && status == schema.NodeStatusIdle {
		status = s.deps.Projection.NodeStatus(id)
	}
	resp := map[string]any{"nodeId": id, "status": status}
	if ns, ok := s.deps.Engine.State().Nodes[id]; ok {
		resp["state"] = ns
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *PanelServer) handleNodeData(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, ok := s.deps.Engine.NodeData(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node "+id+" is not part of the current run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodeId": id, "data": data})
}

// handleGraph renders the current execution graph with its status overlay.
// format is mermaid (default), ascii, png or json.
func (s *PanelServer) handleGraph(w http.ResponseWriter, r *http.Request) {
	graph := s.deps.Engine.ExecutionGraph()
	if graph == nil {
		writeError(w, http.StatusNotFound, "no execution graph; run a workflow first")
		return
	}
	model, err := diagram.Build(graph, s.deps.Engine.State())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderASCII(model)))
	case "png":
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "render image: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	case "json":
		writeJSON(w, http.StatusOK, model)
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+format)
	}
}

// handleValidate checks a workflow document without running it and reports
// every issue found.
func (s *PanelServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		writeError(w, http.StatusServiceUnavailable, "validator not configured")
		return
	}
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	_, result := s.validator.ValidateDocument(doc)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleExecutors lists the registered node types and their data schemas.
func (s *PanelServer) handleExecutors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Registry().List())
}
