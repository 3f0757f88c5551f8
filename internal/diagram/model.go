package diagram

// NodeKind classifies a diagram node by the role of its node type.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindInput     NodeKind = "input"
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindOutput    NodeKind = "output"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string     `json:"title"`
	Nodes  []*Node    `json:"nodes"`
	Edges  []Edge     `json:"edges"`
	Levels [][]string `json:"levels"`
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string         `json:"id"`
	Label  string         `json:"label"`
	Kind   NodeKind       `json:"kind"`
	Status *StatusOverlay `json:"status,omitempty"`
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string `json:"status"` // from schema.NodeStatus
	DurationMs int64  `json:"durationMs,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`
}

// Edge represents a connection between two nodes. Label is the source
// handle for branching nodes. Inactive marks edges pruned in the overlaid run.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Label    string `json:"label,omitempty"`
	Inactive bool   `json:"inactive,omitempty"`
}
