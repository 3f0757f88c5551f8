package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventSink receives the event produced by each transition. The orchestrator
// implements it to stamp sequence numbers and publish to the hub.
type EventSink interface {
	Emit(ctx context.Context, event schema.ExecutionEvent) error
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages run lifecycle state transitions.
type WorkflowFSM struct {
	mu     sync.Mutex
	sink   EventSink
	before map[workflowHookKey][]TransitionHook
	after  map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a new WorkflowFSM that emits events via the given sink.
func NewWorkflowFSM(sink EventSink) *WorkflowFSM {
	return &WorkflowFSM{
		sink:   sink,
		before: make(map[workflowHookKey][]TransitionHook),
		after:  make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a workflow transition and emits its event. ev carries
// the payload (run id, error, stopped flag); Type and Status are set here.
// commit, if not nil, runs after the before hooks and before the event is
// emitted, so listeners observe the committed state.
func (f *WorkflowFSM) Transition(ctx context.Context, from, to schema.WorkflowStatus, ev schema.ExecutionEvent, commit func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidWorkflowTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": ev.RunID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if commit != nil {
		commit()
	}

	if eventType := workflowEventType(to); eventType != "" && f.sink != nil {
		ev.Type = eventType
		ev.Status = string(to)
		if err := f.sink.Emit(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecutor, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func workflowEventType(to schema.WorkflowStatus) schema.EventType {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStart
	case schema.WorkflowStatusSuccess:
		return schema.EventWorkflowComplete
	case schema.WorkflowStatusError:
		return schema.EventWorkflowError
	default:
		return ""
	}
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM manages per-node lifecycle state transitions.
type NodeFSM struct {
	mu     sync.Mutex
	sink   EventSink
	before map[nodeHookKey][]TransitionHook
	after  map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a new NodeFSM that emits events via the given sink.
func NewNodeFSM(sink EventSink) *NodeFSM {
	return &NodeFSM{
		sink:   sink,
		before: make(map[nodeHookKey][]TransitionHook),
		after:  make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a node transition and emits its event, if the target
// status has one (pending does not). commit behaves as in WorkflowFSM.
func (f *NodeFSM) Transition(ctx context.Context, from, to schema.NodeStatus, ev schema.ExecutionEvent, commit func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(ev.NodeID).
			WithDetails(map[string]any{"run_id": ev.RunID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if commit != nil {
		commit()
	}

	if eventType := nodeEventType(to); eventType != "" && f.sink != nil {
		ev.Type = eventType
		ev.Status = string(to)
		if err := f.sink.Emit(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecutor, "emit node event: %s", err.Error()).
				WithNode(ev.NodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func nodeEventType(to schema.NodeStatus) schema.EventType {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStart
	case schema.NodeStatusSuccess:
		return schema.EventNodeComplete
	case schema.NodeStatusError:
		return schema.EventNodeError
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkip
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for a run.
// idle -> error covers graph errors that abort before the run starts.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusIdle:    {schema.WorkflowStatusRunning, schema.WorkflowStatusError},
	schema.WorkflowStatusRunning: {schema.WorkflowStatusSuccess, schema.WorkflowStatusError},
	schema.WorkflowStatusSuccess: {},
	schema.WorkflowStatusError:   {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusIdle:    {schema.NodeStatusPending, schema.NodeStatusSkipped},
	schema.NodeStatusPending: {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning: {schema.NodeStatusSuccess, schema.NodeStatusError},
	schema.NodeStatusSuccess: {},
	schema.NodeStatusError:   {},
	schema.NodeStatusSkipped: {},
}
