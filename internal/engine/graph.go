package engine

import (
	"fmt"
	"sort"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// BuildOptions restricts the scope of a graph build.
type BuildOptions struct {
	// StartNodeID, when set, makes that node the only start node; the scope
	// is the node plus everything reachable downstream of it.
	StartNodeID string `json:"startNodeId,omitempty"`
}

// ExecutionGraph is the immutable, per-run view of a workflow the
// orchestrator walks. Built fresh for every run by BuildExecutionGraph.
type ExecutionGraph struct {
	nodes      map[string]schema.Node
	upstream   map[string][]schema.Edge            // target → incoming edges, in input order
	downstream map[string]map[string][]schema.Edge // source → source handle → outgoing edges
	order      []string                            // topological order of the scope
	starts     []string
	scope      map[string]bool
}

// BuildExecutionGraph indexes nodes and edges, computes the start nodes and
// run scope and sorts the scope topologically with Kahn's algorithm.
// Ties are broken by node ID so the order is deterministic.
func BuildExecutionGraph(nodes []schema.Node, edges []schema.Edge, opts BuildOptions) (*ExecutionGraph, error) {
	if len(nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &ExecutionGraph{
		nodes:      make(map[string]schema.Node, len(nodes)),
		upstream:   make(map[string][]schema.Edge, len(nodes)),
		downstream: make(map[string]map[string][]schema.Edge, len(nodes)),
	}

	// First pass: register nodes.
	for i, n := range nodes {
		if n.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("node at index %d has empty ID", i))
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", n.ID)
		}
		if n.Type == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has empty type", n.ID).WithNode(n.ID)
		}
		g.nodes[n.ID] = n.Clone()
	}

	// Second pass: index edges.
	edgeIDs := make(map[string]bool, len(edges))
	for i, e := range edges {
		if e.ID != "" {
			if edgeIDs[e.ID] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge ID: %s", e.ID)
			}
			edgeIDs[e.ID] = true
		} else {
			e.ID = fmt.Sprintf("edge-%d", i)
		}
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references non-existent source node: %s", e.ID, e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references non-existent target node: %s", e.ID, e.Target)
		}
		if e.Source == e.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s is connected to itself", e.Source).WithNode(e.Source)
		}
		g.upstream[e.Target] = append(g.upstream[e.Target], e)
		byHandle := g.downstream[e.Source]
		if byHandle == nil {
			byHandle = make(map[string][]schema.Edge)
			g.downstream[e.Source] = byHandle
		}
		byHandle[e.SourceHandle] = append(byHandle[e.SourceHandle], e)
	}

	// Start nodes and scope.
	if opts.StartNodeID != "" {
		if _, ok := g.nodes[opts.StartNodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNodeNotFound, "start node not found: %s", opts.StartNodeID).
				WithNode(opts.StartNodeID)
		}
		g.starts = []string{opts.StartNodeID}
		g.scope = g.reachableFrom(opts.StartNodeID)
	} else {
		g.scope = make(map[string]bool, len(g.nodes))
		for id := range g.nodes {
			g.scope[id] = true
			if len(g.upstream[id]) == 0 {
				g.starts = append(g.starts, id)
			}
		}
		sortStrings(g.starts)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// reachableFrom returns the set of nodes reachable from id, id included.
func (g *ExecutionGraph) reachableFrom(id string) map[string]bool {
	seen := map[string]bool{id: true}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edges := range g.downstream[cur] {
			for _, e := range edges {
				if !seen[e.Target] {
					seen[e.Target] = true
					stack = append(stack, e.Target)
				}
			}
		}
	}
	return seen
}

// topoSort runs Kahn's algorithm over the scope, counting only in-scope edges.
func (g *ExecutionGraph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.scope))
	for id := range g.scope {
		for _, e := range g.upstream[id] {
			if g.scope[e.Source] {
				inDegree[id]++
			}
		}
	}

	queue := make([]string, 0)
	for id := range g.scope {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)

	sorted := make([]string, 0, len(g.scope))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, target := range g.successors(node) {
			if !g.scope[target] {
				continue
			}
			inDegree[target]--
			if inDegree[target] == 0 {
				queue = append(queue, target)
			}
		}
		// Keep the whole frontier ordered so ties resolve by ID, not by discovery.
		sortStrings(queue)
	}

	if len(sorted) != len(g.scope) {
		inCycle := make([]string, 0)
		for id := range g.scope {
			if inDegree[id] > 0 {
				inCycle = append(inCycle, id)
			}
		}
		sortStrings(inCycle)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "cycle detected involving nodes: %v", inCycle).
			WithDetails(map[string]any{"nodes": inCycle})
	}
	return sorted, nil
}

// successors lists every outgoing edge target once per edge, so parallel
// edges decrement in-degree once each.
func (g *ExecutionGraph) successors(id string) []string {
	handles := g.Handles(id)
	out := make([]string, 0)
	for _, h := range handles {
		for _, e := range g.downstream[id][h] {
			out = append(out, e.Target)
		}
	}
	return out
}

// Order returns the topological order of the run scope.
func (g *ExecutionGraph) Order() []string {
	return append([]string(nil), g.order...)
}

// StartNodes returns the nodes the run begins from.
func (g *ExecutionGraph) StartNodes() []string {
	return append([]string(nil), g.starts...)
}

// InScope reports whether the node takes part in this run.
func (g *ExecutionGraph) InScope(id string) bool {
	return g.scope[id]
}

// Node returns a copy of the node with the given ID.
func (g *ExecutionGraph) Node(id string) (schema.Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return schema.Node{}, false
	}
	return n.Clone(), true
}

// Nodes returns copies of all nodes, sorted by ID.
func (g *ExecutionGraph) Nodes() []schema.Node {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sortStrings(ids)
	out := make([]schema.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Edges returns all edges, grouped by source and handle in sorted order.
func (g *ExecutionGraph) Edges() []schema.Edge {
	sources := make([]string, 0, len(g.downstream))
	for id := range g.downstream {
		sources = append(sources, id)
	}
	sortStrings(sources)
	out := make([]schema.Edge, 0)
	for _, src := range sources {
		for _, h := range g.Handles(src) {
			out = append(out, g.downstream[src][h]...)
		}
	}
	return out
}

// Upstream returns every incoming edge of a node, in input order.
func (g *ExecutionGraph) Upstream(id string) []schema.Edge {
	return append([]schema.Edge(nil), g.upstream[id]...)
}

// Ancestors returns every node with a path into id, sorted. Sources outside
// the run scope are included.
func (g *ExecutionGraph) Ancestors(id string) []string {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.upstream[cur] {
			if !seen[e.Source] {
				seen[e.Source] = true
				stack = append(stack, e.Source)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sortStrings(out)
	return out
}

// ScopedUpstream returns the incoming edges whose source is in the run scope.
func (g *ExecutionGraph) ScopedUpstream(id string) []schema.Edge {
	out := make([]schema.Edge, 0, len(g.upstream[id]))
	for _, e := range g.upstream[id] {
		if g.scope[e.Source] {
			out = append(out, e)
		}
	}
	return out
}

// Downstream returns the outgoing edges of a node leaving the given handle.
func (g *ExecutionGraph) Downstream(id, handle string) []schema.Edge {
	return append([]schema.Edge(nil), g.downstream[id][handle]...)
}

// Handles returns the source handles a node has outgoing edges on, sorted.
func (g *ExecutionGraph) Handles(id string) []string {
	hs := make([]string, 0, len(g.downstream[id]))
	for h := range g.downstream[id] {
		hs = append(hs, h)
	}
	sortStrings(hs)
	return hs
}

// Len returns the number of nodes in the run scope.
func (g *ExecutionGraph) Len() int {
	return len(g.order)
}

func sortStrings(s []string) {
	sort.Strings(s)
}
