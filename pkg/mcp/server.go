package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/internal/store"
	"github.com/rendis/flowcanvas/internal/validation"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// Engine is the run surface exposed as tools. Satisfied by *engine.Orchestrator.
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

// FlowServerDeps holds the dependencies for creating a FlowServer.
// Journal is optional; without it flow.runs reports an error.
type FlowServerDeps struct {
	Engine  Engine
	Journal store.Journal
	Logger  *slog.Logger
}

// FlowServer wraps an MCP server with flowcanvas tool handlers.
type FlowServer struct {
	engine    Engine
	journal   store.Journal
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	validator *validation.WorkflowValidator
	mcpServer *server.MCPServer

	// base outlives tool calls; async runs use it.
	base context.Context
}

// NewFlowServer creates a new FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		engine:   deps.Engine,
		journal:  deps.Journal,
		logger:   logger,
		sessions: NewSessionRegistry(),
		base:     context.Background(),
	}
	if deps.Engine != nil {
		v, err := validation.NewWorkflowValidator(deps.Engine.Registry())
		if err != nil {
			logger.Error("workflow validator unavailable", "error", err)
		}
		s.validator = v
	}

	mcpSrv := server.NewMCPServer(
		"flowcanvas",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowcanvas executes node-based workflows (triggers, inputs, conditions, scripts, transforms, HTTP requests, model loads, outputs). Use flow.execute to run a workflow document, flow.status and flow.node_status to inspect the last run, flow.validate to lint a document before running it, flow.graph to render a run, flow.stop to halt scheduling and flow.runs to browse recorded runs."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	s.base = ctx
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// notifyRunEnd pushes the final state of an async run to the agent that
// started it.
func (s *FlowServer) notifyRunEnd(agentID string, st *schema.WorkflowExecutionState, runErr error) {
	payload := map[string]any{"type": "flow.run_end"}
	if st != nil {
		payload["run_id"] = st.RunID
		payload["status"] = string(st.Status)
		payload["stopped"] = st.Stopped
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
		payload["code"] = schema.ErrorCode(runErr)
	}
	if err := s.notifier.Notify(s.base, agentID, payload); err != nil {
		s.logger.Warn("agent notification failed", "agent_id", agentID, "error", err)
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: executeFromNodeTool(), Handler: s.handleExecuteFromNode},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: nodeStatusTool(), Handler: s.handleNodeStatus},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: resetTool(), Handler: s.handleReset},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: executorsTool(), Handler: s.handleExecutors},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("flow.execute",
		mcp.WithDescription("Execute a workflow document"),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Workflow nodes: objects with id, type and data")),
		mcp.WithArray("edges", mcp.Description("Workflow edges: objects with id, source, sourceHandle, target, targetHandle")),
		mcp.WithString("start_node_id", mcp.Description("Run only the nodes reachable from this node")),
		mcp.WithObject("trigger", mcp.Description("Trigger payload handed to trigger nodes")),
		mcp.WithBoolean("async", mcp.Description("Return immediately; the final state is pushed to agent_id when the run ends")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent, used for completion notifications")),
	)
}

func executeFromNodeTool() mcp.Tool {
	return mcp.NewTool("flow.execute_from_node",
		mcp.WithDescription("Re-run a workflow from one node, keeping upstream outputs from the previous run"),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Workflow nodes: objects with id, type and data")),
		mcp.WithArray("edges", mcp.Description("Workflow edges")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node to restart from")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get the execution state of the current or last run"),
	)
}

func nodeStatusTool() mcp.Tool {
	return mcp.NewTool("flow.node_status",
		mcp.WithDescription("Get the status, execution record and live data of one node"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to query")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("flow.stop",
		mcp.WithDescription("Stop scheduling new nodes in the running workflow"),
	)
}

func resetTool() mcp.Tool {
	return mcp.NewTool("flow.reset",
		mcp.WithDescription("Clear the execution state of an idle engine"),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("flow.graph",
		mcp.WithDescription("Render the last execution graph with status overlay. Returns ASCII art, Mermaid flowchart syntax, or a PNG image"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (PNG)"),
		),
	)
}

func executorsTool() mcp.Tool {
	return mcp.NewTool("flow.executors",
		mcp.WithDescription("List the registered node types and their data schemas"),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Check a workflow document for errors and warnings without running it"),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Workflow nodes: objects with id, type and data")),
		mcp.WithArray("edges", mcp.Description("Workflow edges: objects with id, source, sourceHandle, target, targetHandle")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("flow.runs",
		mcp.WithDescription("Query recorded runs or the events of one run"),
		mcp.WithString("run_id", mcp.Description("Return the summary and events of this run")),
		mcp.WithObject("filter", mcp.Description("Filter criteria for listing runs (status, limit, offset)")),
	)
}
