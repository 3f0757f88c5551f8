package diagram

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from an execution graph and an optional run
// state. Nodes keep the graph's topological order; virtual start and end
// nodes frame the run scope.
func Build(graph *engine.ExecutionGraph, state *schema.WorkflowExecutionState) (*DiagramModel, error) {
	if graph == nil {
		return nil, errors.New("diagram: no execution graph")
	}

	order := graph.Order()
	modelNodes := make([]*Node, 0, len(order)+2)
	modelNodes = append(modelNodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range order {
		n, _ := graph.Node(id)
		node := &Node{
			ID:    id,
			Label: nodeLabel(n),
			Kind:  typeToKind(n.Type),
		}
		if state != nil {
			overlayStatus(node, state.Nodes[id])
		}
		modelNodes = append(modelNodes, node)
	}
	modelNodes = append(modelNodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  "Workflow",
		Nodes:  modelNodes,
		Edges:  buildEdges(graph, state),
		Levels: buildLevels(graph),
	}, nil
}

// typeToKind maps a node type to its diagram kind.
func typeToKind(nodeType string) NodeKind {
	switch nodeType {
	case nodes.TypeWebhook, nodes.TypeManualTrigger:
		return NodeKindTrigger
	case nodes.TypeNumberInput, nodes.TypeTextInput, nodes.TypeFileUpload:
		return NodeKindInput
	case nodes.TypeIfElse:
		return NodeKindCondition
	case nodes.TypeOutput:
		return NodeKindOutput
	default:
		return NodeKindAction
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(n schema.Node) string {
	if label, ok := n.Data["label"].(string); ok && label != "" {
		return fmt.Sprintf("%s\n(%s)", label, n.Type)
	}
	return fmt.Sprintf("%s\n(%s)", n.ID, n.Type)
}

// overlayStatus applies the runtime node state to a diagram node.
func overlayStatus(node *Node, ns *schema.NodeExecutionState) {
	if ns == nil {
		return
	}
	node.Status = &StatusOverlay{
		Status:     string(ns.Status),
		DurationMs: ns.Duration.Milliseconds(),
		Attempts:   ns.Attempts,
		Error:      ns.Error,
		SkipReason: string(ns.SkipReason),
	}
}

// buildEdges lists the scope's edges plus virtual start and end edges.
func buildEdges(graph *engine.ExecutionGraph, state *schema.WorkflowExecutionState) []Edge {
	var edges []Edge

	for _, id := range graph.StartNodes() {
		edges = append(edges, Edge{From: startID, To: id})
	}

	hasDownstream := make(map[string]bool)
	for _, e := range graph.Edges() {
		if !graph.InScope(e.Source) || !graph.InScope(e.Target) {
			continue
		}
		hasDownstream[e.Source] = true
		label := e.SourceHandle
		if label == schema.DefaultHandle {
			label = ""
		}
		edges = append(edges, Edge{
			From:     e.Source,
			To:       e.Target,
			Label:    label,
			Inactive: inactiveEdge(state, e),
		})
	}

	for _, id := range graph.Order() {
		if !hasDownstream[id] {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

// inactiveEdge reports whether the run pruned the edge: its source chose
// other handles or was skipped on a dead path.
func inactiveEdge(state *schema.WorkflowExecutionState, e schema.Edge) bool {
	if state == nil {
		return false
	}
	src := state.Nodes[e.Source]
	if src == nil {
		return false
	}
	switch src.Status {
	case schema.NodeStatusSkipped:
		return src.SkipReason.DeadPath()
	case schema.NodeStatusSuccess:
		if src.ActiveHandles == nil {
			return false
		}
		h := e.SourceHandle
		if h == "" {
			h = schema.DefaultHandle
		}
		return !slices.Contains(src.ActiveHandles, h)
	}
	return false
}

// buildLevels groups nodes by longest distance from a start node and wraps
// them with the virtual start/end levels.
func buildLevels(graph *engine.ExecutionGraph) [][]string {
	depth := make(map[string]int)
	maxDepth := 0
	for _, id := range graph.Order() {
		d := 0
		for _, e := range graph.ScopedUpstream(id) {
			if depth[e.Source]+1 > d {
				d = depth[e.Source] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, 0, maxDepth+3)
	levels = append(levels, []string{startID})
	if graph.Len() > 0 {
		body := make([][]string, maxDepth+1)
		for _, id := range graph.Order() {
			body[depth[id]] = append(body[depth[id]], id)
		}
		levels = append(levels, body...)
	}
	levels = append(levels, []string{endID})
	return levels
}
