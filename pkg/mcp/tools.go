package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cast"

	"github.com/rendis/flowcanvas/internal/diagram"
	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/internal/store"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// handleExecute runs a workflow document, synchronously unless async is set.
func (s *FlowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, err := workflowArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := engine.ExecuteOptions{
		StartNodeID: req.GetString("start_node_id", ""),
		Trigger:     mcp.ParseStringMap(req, "trigger", nil),
	}
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	if req.GetBool("async", false) {
		err := s.engine.Start(s.base, wf.Nodes, wf.Edges, opts, func(st *schema.WorkflowExecutionState, runErr error) {
			if runErr != nil {
				s.logger.Warn("async run failed", "error", runErr)
			}
			if agentID != "" {
				s.notifyRunEnd(agentID, st, runErr)
			}
		})
		if err != nil {
			return flowErrorResult(err, nil)
		}
		return marshalResult(map[string]any{"accepted": true})
	}

	st, runErr := s.engine.Execute(ctx, wf.Nodes, wf.Edges, opts)
	if runErr != nil {
		if errors.Is(runErr, schema.ErrAlreadyRunning) {
			st = nil
		}
		return flowErrorResult(runErr, st)
	}
	return marshalResult(st)
}

// handleExecuteFromNode re-runs a workflow from one node.
func (s *FlowServer) handleExecuteFromNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	wf, err := workflowArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	st, runErr := s.engine.ExecuteFromNode(ctx, wf.Nodes, wf.Edges, nodeID)
	if runErr != nil {
		if errors.Is(runErr, schema.ErrAlreadyRunning) {
			st = nil
		}
		return flowErrorResult(runErr, st)
	}
	return marshalResult(st)
}

// handleStatus returns the state of the current or last run.
func (s *FlowServer) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"running": s.engine.IsRunning(),
		"state":   s.engine.State(),
	})
}

// handleNodeStatus returns one node's status, execution record and data.
func (s *FlowServer) handleNodeStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	result := map[string]any{
		"node_id": nodeID,
		"status":  s.engine.NodeStatus(nodeID),
	}
	if ns, ok := s.engine.State().Nodes[nodeID]; ok {
		result["execution"] = ns
	}
	if data, ok := s.engine.NodeData(nodeID); ok {
		result["data"] = data
	}
	return marshalResult(result)
}

// handleStop requests a cooperative stop.
func (s *FlowServer) handleStop(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"stopping": s.engine.Stop()})
}

// handleReset clears run state.
func (s *FlowServer) handleReset(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.engine.Reset(); err != nil {
		return flowErrorResult(err, nil)
	}
	return marshalResult(map[string]any{"ok": true})
}

// handleGraph renders the last execution graph in the requested format.
func (s *FlowServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	graph := s.engine.ExecutionGraph()
	if graph == nil {
		return mcp.NewToolResultError("no execution graph; run a workflow first"), nil
	}
	model, buildErr := diagram.Build(graph, s.engine.State())
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// handleExecutors lists registered node types.
func (s *FlowServer) handleExecutors(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.engine.Registry().List())
}

// handleRuns lists recorded runs, or returns one run with its events.
func (s *FlowServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.journal == nil {
		return mcp.NewToolResultError("run journal not configured"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.journal.GetRun(ctx, runID)
		if err != nil {
			return flowErrorResult(err, nil)
		}
		events, err := s.journal.Events(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("events query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"run": run, "events": events})
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	runs, err := s.journal.ListRuns(ctx, store.RunFilter{
		Status: schema.WorkflowStatus(cast.ToString(filter["status"])),
		Limit:  extractInt(filter, "limit", 20),
		Offset: extractInt(filter, "offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("runs query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleValidate lints a workflow document and reports every issue found.
func (s *FlowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validator == nil {
		return mcp.NewToolResultError("validator not configured"), nil
	}
	wf, err := workflowArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result := s.validator.Validate(&wf)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// --- Helpers ---

// workflowArgs decodes the nodes and edges arguments into a workflow.
func workflowArgs(req mcp.CallToolRequest) (schema.Workflow, error) {
	var wf schema.Workflow
	args := req.GetArguments()
	rawNodes, ok := args["nodes"]
	if !ok {
		return wf, errors.New("nodes is required")
	}
	if err := remarshal(rawNodes, &wf.Nodes); err != nil {
		return wf, fmt.Errorf("invalid nodes: %w", err)
	}
	if rawEdges, ok := args["edges"]; ok && rawEdges != nil {
		if err := remarshal(rawEdges, &wf.Edges); err != nil {
			return wf, fmt.Errorf("invalid edges: %w", err)
		}
	}
	return wf, nil
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// extractInt extracts a non-negative integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	n, err := cast.ToIntE(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// flowErrorResult reports err as a JSON error result carrying its code and
// the run state reached, if any.
func flowErrorResult(err error, st *schema.WorkflowExecutionState) (*mcp.CallToolResult, error) {
	body := map[string]any{"error": err.Error()}
	if code := schema.ErrorCode(err); code != "" {
		body["code"] = code
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		body["error"] = fe.Message
		if fe.NodeID != "" {
			body["node_id"] = fe.NodeID
		}
		if len(fe.Details) > 0 {
			body["details"] = fe.Details
		}
	}
	if st != nil {
		body["state"] = st
	}
	res, marshalErr := marshalResult(body)
	if marshalErr != nil {
		return nil, marshalErr
	}
	res.IsError = true
	return res, nil
}
