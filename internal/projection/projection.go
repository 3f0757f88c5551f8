// Package projection folds execution events into the UI-visible run state.
package projection

import (
	"sync"

	"github.com/rendis/flowcanvas/internal/streaming"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// Projection keeps a WorkflowExecutionState up to date from hub events.
// It is independent of the orchestrator: anything that can observe the
// event stream can rebuild the same view.
type Projection struct {
	mu     sync.RWMutex
	state  *schema.WorkflowExecutionState
	data   map[string]map[string]any
	remove func()
}

// New creates a projection attached to hub. Call Close to detach.
func New(hub streaming.EventHub) *Projection {
	p := &Projection{
		state: schema.NewWorkflowExecutionState(),
		data:  make(map[string]map[string]any),
	}
	if hub != nil {
		p.remove = hub.AddListener(p.Apply)
	}
	return p
}

// Close detaches the projection from its hub.
func (p *Projection) Close() {
	if p.remove != nil {
		p.remove()
		p.remove = nil
	}
}

// Apply folds a single event into the state. Events from an older run are
// ignored once a newer run has started; a reset clears everything.
func (p *Projection) Apply(ev schema.ExecutionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Type == schema.EventWorkflowReset {
		p.clear()
		return
	}
	if ev.Type.IsWorkflowEvent() {
		p.applyWorkflow(ev)
		return
	}
	if ev.RunID != "" && p.state.RunID != "" && ev.RunID != p.state.RunID {
		return
	}

	if ev.Type == schema.EventNodeData {
		p.data[ev.NodeID] = schema.CloneMap(ev.Data)
		return
	}

	ns := p.state.Nodes[ev.NodeID]
	if ns == nil {
		ns = &schema.NodeExecutionState{NodeID: ev.NodeID, Status: schema.NodeStatusIdle}
		p.state.Nodes[ev.NodeID] = ns
	}
	if ev.NodeType != "" {
		ns.NodeType = ev.NodeType
	}
	ts := ev.Timestamp

	switch ev.Type {
	case schema.EventNodeStart:
		ns.Status = schema.NodeStatusRunning
		ns.StartTime = &ts
		p.state.CurrentNodeID = ev.NodeID
	case schema.EventNodeComplete:
		ns.Status = schema.NodeStatusSuccess
		ns.EndTime = &ts
		ns.Duration = ev.Duration
		ns.Output = schema.CloneValue(ev.Output)
	case schema.EventNodeError:
		ns.Status = schema.NodeStatusError
		ns.EndTime = &ts
		ns.Duration = ev.Duration
		ns.Error = ev.Error
	case schema.EventNodeSkip:
		ns.Status = schema.NodeStatusSkipped
		ns.SkipReason = ev.Reason
	}
}

func (p *Projection) applyWorkflow(ev schema.ExecutionEvent) {
	if ev.RunID != p.state.RunID {
		p.state = schema.NewWorkflowExecutionState()
		p.state.RunID = ev.RunID
		p.data = make(map[string]map[string]any)
	}
	ts := ev.Timestamp

	switch ev.Type {
	case schema.EventWorkflowStart:
		p.state.Status = schema.WorkflowStatusRunning
		p.state.StartTime = &ts
	case schema.EventWorkflowComplete:
		p.state.Status = schema.WorkflowStatusSuccess
		p.state.EndTime = &ts
		p.state.Stopped = ev.Stopped
		p.state.CurrentNodeID = ""
	case schema.EventWorkflowError:
		p.state.Status = schema.WorkflowStatusError
		p.state.EndTime = &ts
		p.state.Error = ev.Error
		p.state.Stopped = ev.Stopped
		p.state.CurrentNodeID = ""
	}
}

// NodeStatus returns the last known status of a node, idle when unknown.
func (p *Projection) NodeStatus(nodeID string) schema.NodeStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.NodeStatus(nodeID)
}

// NodeData returns the last data a node wrote back during the run.
func (p *Projection) NodeData(nodeID string) (map[string]any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.data[nodeID]
	if !ok {
		return nil, false
	}
	return schema.CloneMap(d), true
}

// Snapshot returns a deep copy of the projected state.
func (p *Projection) Snapshot() *schema.WorkflowExecutionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Clone()
}

// Reset clears the projected state back to idle.
func (p *Projection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clear()
}

func (p *Projection) clear() {
	p.state = schema.NewWorkflowExecutionState()
	p.data = make(map[string]map[string]any)
}
