package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/internal/projection"
	"github.com/rendis/flowcanvas/internal/scheduler"
	"github.com/rendis/flowcanvas/internal/secrets"
	"github.com/rendis/flowcanvas/internal/store"
	"github.com/rendis/flowcanvas/internal/streaming"
	"github.com/rendis/flowcanvas/internal/validation"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// maxBodyBytes caps request bodies (workflow documents included).
const maxBodyBytes = 8 << 20

// Engine is the run surface the panel drives. Satisfied by *engine.Orchestrator.
type Engine interface {
	Execute(ctx context.Context, nodes []schema.Node, edges []schema.Edge, opts engine.ExecuteOptions) (*schema.WorkflowExecutionState, error)
	ExecuteFromNode(ctx context.Context, nodes []schema.Node, edges []schema.Edge, nodeID string) (*schema.WorkflowExecutionState, error)
	Start(ctx context.Context, nodes []schema.Node, edges []schema.Edge, opts engine.ExecuteOptions, done engine.RunDone) error
	Stop() bool
	Reset() error
	IsRunning() bool
	State() *schema.WorkflowExecutionState
	NodeStatus(nodeID string) schema.NodeStatus
	NodeData(nodeID string) (map[string]any, bool)
	ExecutionGraph() *engine.ExecutionGraph
	Registry() *nodes.Registry
}

// PanelDeps holds the dependencies for the panel server. Journal, EventLog,
// Projection, Scheduler and Secrets are optional; their routes answer 503
// when absent.
type PanelDeps struct {
	Engine     Engine
	Hub        streaming.EventHub
	Projection *projection.Projection
	Journal    store.Journal
	EventLog   *store.EventLog
	Scheduler  *scheduler.Scheduler
	Secrets    secrets.Vault
	Logger     *slog.Logger
}

// PanelServer serves the HTTP API and the SSE event stream.
type PanelServer struct {
	deps      PanelDeps
	validator *validation.WorkflowValidator

	// base outlives requests; async runs use it.
	base context.Context
}

// NewPanelServer creates a new PanelServer. ctx bounds runs started with
// async=true.
func NewPanelServer(ctx context.Context, deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &PanelServer{deps: deps, base: ctx}
	if deps.Engine != nil {
		v, err := validation.NewWorkflowValidator(deps.Engine.Registry())
		if err != nil {
			deps.Logger.Error("workflow validator unavailable", slog.String("error", err.Error()))
		}
		s.validator = v
	}
	return s
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Run control.
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("POST /api/execute/{nodeId}", s.handleExecuteFromNode)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("POST /api/validate", s.handleValidate)

	// Queries.
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/nodes/{id}/status", s.handleNodeStatus)
	mux.HandleFunc("GET /api/nodes/{id}/data", s.handleNodeData)
	mux.HandleFunc("GET /api/graph", s.handleGraph)
	mux.HandleFunc("GET /api/executors", s.handleExecutors)

	// Journal.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/state", s.handleRunState)

	// Schedules.
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// Secrets. Values are write-only.
	mux.HandleFunc("GET /api/secrets", s.handleListSecrets)
	mux.HandleFunc("PUT /api/secrets/{key}", s.handlePutSecret)
	mux.HandleFunc("DELETE /api/secrets/{key}", s.handleDeleteSecret)

	// SSE stream.
	mux.HandleFunc("GET /sse/events", s.handleSSE)

	return mux
}

func (s *PanelServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"running": s.deps.Engine.IsRunning(),
	})
}
