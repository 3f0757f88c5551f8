package schema

// DefaultHandle names the input or output handle of an edge that carries none.
const DefaultHandle = "default"

// Workflow is the {nodes, edges} document the diagram editor submits on every run.
type Workflow struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is one workflow step. Type selects the executor; Data is the
// executor-specific configuration and UI-visible state.
type Node struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Edge links a source node's output handle to a target node's input handle.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// InputKey returns the key under which this edge's payload appears in the
// target's inputs map.
func (e Edge) InputKey() string {
	if e.TargetHandle == "" {
		return DefaultHandle
	}
	return e.TargetHandle
}

// Clone returns a copy of the node whose Data map can be mutated independently.
func (n Node) Clone() Node {
	out := Node{ID: n.ID, Type: n.Type}
	if n.Data != nil {
		out.Data = CloneMap(n.Data)
	}
	return out
}

// CloneMap deep-copies nested maps and slices of a JSON-like value tree.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices; other values are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}
