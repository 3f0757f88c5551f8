package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// validateDAG performs graph analysis over the edges whose endpoints exist:
// cycle detection (Kahn's algorithm) and isolated-node warnings.
func validateDAG(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID != "" {
			ids[n.ID] = true
		}
	}

	inDegree := make(map[string]int, len(ids))
	successors := make(map[string][]string, len(ids))
	connected := make(map[string]bool, len(ids))
	for id := range ids {
		inDegree[id] = 0
	}
	for _, e := range wf.Edges {
		if !ids[e.Source] || !ids[e.Target] {
			continue // reported by the semantic stage
		}
		connected[e.Source] = true
		connected[e.Target] = true
		successors[e.Source] = append(successors[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(ids))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(ids) {
		inCycle := make([]string, 0, len(ids)-visited)
		for id, deg := range inDegree {
			if deg > 0 {
				inCycle = append(inCycle, id)
			}
		}
		sort.Strings(inCycle)
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("cycle detected involving nodes: %v", inCycle))
	}

	if len(ids) > 1 {
		for i, n := range wf.Nodes {
			if n.ID != "" && !connected[n.ID] {
				result.AddNodeWarning(fmt.Sprintf("nodes[%d]", i), n.ID, schema.ErrCodeValidation,
					fmt.Sprintf("node %q is not connected to any other node", n.ID))
			}
		}
	}

	return result
}
