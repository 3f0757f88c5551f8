package schema

import "time"

// WorkflowStatus represents the lifecycle state of a run.
type WorkflowStatus string

const (
	WorkflowStatusIdle    WorkflowStatus = "idle"
	WorkflowStatusRunning WorkflowStatus = "running"
	WorkflowStatusSuccess WorkflowStatus = "success"
	WorkflowStatusError   WorkflowStatus = "error"
)

// NodeStatus represents the lifecycle state of a node within one run.
type NodeStatus string

const (
	NodeStatusIdle    NodeStatus = "idle"
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	NodeStatusSkipped NodeStatus = "skipped"
)

// IsTerminal reports whether no further transition is possible within a run.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusError || s == NodeStatusSkipped
}

// SkipReason records why a node was skipped.
type SkipReason string

const (
	SkipUpstreamFailed SkipReason = "upstream_failed"
	SkipInactiveBranch SkipReason = "inactive_branch"
	SkipDisabled       SkipReason = "disabled"
	SkipStopped        SkipReason = "stopped"
)

// DeadPath reports whether a node skipped for this reason prunes its
// outgoing edges instead of propagating a failure.
func (r SkipReason) DeadPath() bool {
	return r == SkipInactiveBranch || r == SkipDisabled
}

// NodeExecutionState is the per-node run status.
type NodeExecutionState struct {
	NodeID     string        `json:"nodeId"`
	NodeType   string        `json:"nodeType,omitempty"`
	Status     NodeStatus    `json:"status"`
	StartTime  *time.Time    `json:"startTime,omitempty"`
	EndTime    *time.Time    `json:"endTime,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	SkipReason SkipReason    `json:"skipReason,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`

	// ActiveHandles is set when the executor restricted its live outputs.
	ActiveHandles []string `json:"activeHandles,omitempty"`
}

// Clone returns a copy safe to hand to readers.
func (s *NodeExecutionState) Clone() *NodeExecutionState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.StartTime != nil {
		t := *s.StartTime
		cp.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		cp.EndTime = &t
	}
	cp.Output = CloneValue(s.Output)
	if s.ActiveHandles != nil {
		cp.ActiveHandles = append([]string(nil), s.ActiveHandles...)
	}
	return &cp
}

// WorkflowExecutionState is the whole-run status.
type WorkflowExecutionState struct {
	RunID         string                         `json:"runId,omitempty"`
	Status        WorkflowStatus                 `json:"status"`
	StartTime     *time.Time                     `json:"startTime,omitempty"`
	EndTime       *time.Time                     `json:"endTime,omitempty"`
	CurrentNodeID string                         `json:"currentNodeId,omitempty"`
	Nodes         map[string]*NodeExecutionState `json:"nodes"`
	Error         string                         `json:"error,omitempty"`
	Stopped       bool                           `json:"stopped,omitempty"`
}

// NewWorkflowExecutionState returns an idle state with no node entries.
func NewWorkflowExecutionState() *WorkflowExecutionState {
	return &WorkflowExecutionState{
		Status: WorkflowStatusIdle,
		Nodes:  make(map[string]*NodeExecutionState),
	}
}

// NodeStatus returns the status of a node, or idle when it has no entry.
func (s *WorkflowExecutionState) NodeStatus(nodeID string) NodeStatus {
	if s == nil {
		return NodeStatusIdle
	}
	ns, ok := s.Nodes[nodeID]
	if !ok || ns == nil {
		return NodeStatusIdle
	}
	return ns.Status
}

// Clone deep-copies the state.
func (s *WorkflowExecutionState) Clone() *WorkflowExecutionState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.StartTime != nil {
		t := *s.StartTime
		cp.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		cp.EndTime = &t
	}
	cp.Nodes = make(map[string]*NodeExecutionState, len(s.Nodes))
	for id, ns := range s.Nodes {
		cp.Nodes[id] = ns.Clone()
	}
	return &cp
}
