package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/rendis/flowcanvas/internal/expressions"
	"github.com/rendis/flowcanvas/internal/logging"
	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/internal/streaming"
	"github.com/rendis/flowcanvas/internal/validation"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency. With one worker
// nodes run strictly in topological order.
const DefaultPoolSize = 1

// NodeDataValidator checks node data against the JSON Schema an executor
// declares. Satisfied by *validation.JSONSchemaValidator.
type NodeDataValidator interface {
	ValidateNodeData(node schema.Node, dataSchema []byte) error
}

// ExecutorConfig holds configuration for the orchestrator.
type ExecutorConfig struct {
	PoolSize       int           // max concurrent node invocations
	DefaultTimeout time.Duration // per-attempt timeout when a node sets none; 0 = none
	Logger         *slog.Logger
	Validator      NodeDataValidator // nil = JSON Schema validator

	// Secrets backs ${{secrets.KEY}} references in node data; nil leaves
	// them unresolvable.
	Secrets expressions.SecretResolver
}

// ExecuteOptions restricts and parameterises a run.
type ExecuteOptions struct {
	// StartNodeID runs only this node and everything downstream of it.
	StartNodeID string `json:"startNodeId,omitempty"`

	// Trigger is the payload handed to trigger nodes (webhook body, schedule info).
	Trigger map[string]any `json:"trigger,omitempty"`
}

// DataHook is notified after every successful UpdateNodeData, with a copy
// of the merged node data. The hosting app uses it to persist UI state.
type DataHook func(nodeID string, data map[string]any)

// Orchestrator walks an execution graph, invokes node executors and owns
// the run state. One run at a time; construct one per workflow canvas.
type Orchestrator struct {
	registry  *nodes.Registry
	hub       streaming.EventHub
	config    ExecutorConfig
	logger    *slog.Logger
	validator NodeDataValidator
	wfFSM     *WorkflowFSM
	nodeFSM   *NodeFSM
	pool      *WorkerPool

	running       atomic.Bool
	stopRequested atomic.Bool

	// emitMu serialises sequence stamping and publication.
	emitMu sync.Mutex
	seq    int64

	// mu guards everything readers may observe while a run is in progress.
	mu          sync.RWMutex
	state       *schema.WorkflowExecutionState
	graph       *ExecutionGraph
	nodeData    map[string]map[string]any
	lastOutputs map[string]any
	lastHandles map[string][]string
	dataHook    DataHook

	listenerMu     sync.Mutex
	removeListener func()
}

// eventSink adapts the orchestrator to the FSM EventSink contract.
type eventSink struct {
	o *Orchestrator
}

func (s eventSink) Emit(ctx context.Context, ev schema.ExecutionEvent) error {
	return s.o.emit(ctx, ev)
}

// NewOrchestrator creates an Orchestrator. A nil registry or hub is replaced
// by an empty registry or an in-memory hub.
func NewOrchestrator(registry *nodes.Registry, hub streaming.EventHub, cfg ExecutorConfig) *Orchestrator {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if registry == nil {
		registry = nodes.NewRegistry()
	}
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		registry:    registry,
		hub:         hub,
		config:      cfg,
		logger:      logger,
		validator:   cfg.Validator,
		state:       schema.NewWorkflowExecutionState(),
		nodeData:    make(map[string]map[string]any),
		lastOutputs: make(map[string]any),
		lastHandles: make(map[string][]string),
	}
	if o.validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			logger.Warn("node data validation disabled", slog.String("error", err.Error()))
		} else {
			o.validator = v
		}
	}

	sink := eventSink{o: o}
	o.wfFSM = NewWorkflowFSM(sink)
	o.nodeFSM = NewNodeFSM(sink)
	o.pool = NewWorkerPool(cfg.PoolSize, func(r any) {
		logger.Error("worker panic escaped node recovery", slog.Any("panic", r))
	})
	return o
}

// Execute runs a workflow to completion and returns the final state.
//
// A graph error (cycle, unknown start node, malformed graph) aborts before
// any node starts: a workflow:error event is emitted and the error is
// returned. Node failures are not returned as errors; they are recorded in
// the state. Cancelling ctx skips the remaining nodes and returns a
// CANCELLED error alongside the state.
func (o *Orchestrator) Execute(ctx context.Context, nodeList []schema.Node, edges []schema.Edge, opts ExecuteOptions) (*schema.WorkflowExecutionState, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, schema.ErrAlreadyRunning
	}
	defer o.release()
	return o.execute(ctx, nodeList, edges, opts)
}

// RunDone receives the outcome of a background run.
type RunDone func(st *schema.WorkflowExecutionState, err error)

// Start claims the orchestrator and runs the workflow in the background. A
// conflict is reported here as ErrAlreadyRunning, so a start that returns
// nil always runs. done, if not nil, is called once the orchestrator has
// been released.
func (o *Orchestrator) Start(ctx context.Context, nodeList []schema.Node, edges []schema.Edge, opts ExecuteOptions, done RunDone) error {
	if !o.running.CompareAndSwap(false, true) {
		return schema.ErrAlreadyRunning
	}
	go func() {
		st, err := o.execute(ctx, nodeList, edges, opts)
		o.release()
		if done != nil {
			done(st, err)
		}
	}()
	return nil
}

// execute runs one workflow; the caller holds the running flag.
func (o *Orchestrator) execute(ctx context.Context, nodeList []schema.Node, edges []schema.Edge, opts ExecuteOptions) (*schema.WorkflowExecutionState, error) {
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.LogWith(ctx, o.logger)
	startedAt := time.Now().UTC()

	graph, err := BuildExecutionGraph(nodeList, edges, BuildOptions{StartNodeID: opts.StartNodeID})
	if err != nil {
		msg := errorMessage(err)
		log.Warn("workflow graph rejected", slog.String("error", err.Error()))
		terr := o.wfFSM.Transition(ctx, schema.WorkflowStatusIdle, schema.WorkflowStatusError,
			schema.ExecutionEvent{RunID: runID, Error: msg}, func() {
				st := schema.NewWorkflowExecutionState()
				st.RunID = runID
				st.Status = schema.WorkflowStatusError
				st.StartTime = &startedAt
				st.EndTime = &startedAt
				st.Error = msg
				o.mu.Lock()
				o.state = st
				o.graph = nil
				o.mu.Unlock()
			})
		if terr != nil {
			log.Error("failed to record graph error", slog.String("error", terr.Error()))
		}
		return o.State(), err
	}

	st := schema.NewWorkflowExecutionState()
	st.RunID = runID
	data := make(map[string]map[string]any, len(nodeList))
	for _, n := range graph.Nodes() {
		if n.Data == nil {
			n.Data = make(map[string]any)
		}
		data[n.ID] = n.Data
	}
	for _, id := range graph.Order() {
		n, _ := graph.Node(id)
		st.Nodes[id] = &schema.NodeExecutionState{NodeID: id, NodeType: n.Type, Status: schema.NodeStatusIdle}
	}

	run := o.newRun(runID, graph, opts)

	log.Info("workflow started",
		slog.Int("nodes", graph.Len()),
		slog.String("start_node", opts.StartNodeID),
		slog.Int("pool_size", o.pool.Size()))

	if err := o.wfFSM.Transition(ctx, schema.WorkflowStatusIdle, schema.WorkflowStatusRunning,
		schema.ExecutionEvent{RunID: runID}, func() {
			st.Status = schema.WorkflowStatusRunning
			st.StartTime = &startedAt
			o.mu.Lock()
			o.state = st
			o.graph = graph
			o.nodeData = data
			o.mu.Unlock()
		}); err != nil {
		log.Error("failed to emit workflow start", slog.String("error", err.Error()))
	}

	run.loop(ctx)
	return o.finalize(ctx, run, startedAt)
}

// ExecuteFromNode runs nodeID and everything downstream of it. Upstream
// nodes outside that scope contribute the outputs they produced in the
// previous run, if any.
func (o *Orchestrator) ExecuteFromNode(ctx context.Context, nodeList []schema.Node, edges []schema.Edge, nodeID string) (*schema.WorkflowExecutionState, error) {
	if nodeID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "start node id is required")
	}
	return o.Execute(ctx, nodeList, edges, ExecuteOptions{StartNodeID: nodeID})
}

// finalize computes the final workflow status, emits the closing event and
// pins this run's outputs for the next ExecuteFromNode.
func (o *Orchestrator) finalize(ctx context.Context, run *runState, startedAt time.Time) (*schema.WorkflowExecutionState, error) {
	log := logging.LogWith(ctx, o.logger)
	stopped := o.stopRequested.Load() || ctx.Err() != nil

	to := schema.WorkflowStatusSuccess
	var firstErr string
	failed := 0
	for _, id := range run.graph.Order() {
		if run.status[id] != schema.NodeStatusError {
			continue
		}
		if failed == 0 {
			firstErr = "node " + id + " failed: " + run.errors[id]
		}
		failed++
	}
	if failed > 0 {
		to = schema.WorkflowStatusError
	}

	outputs, handles := run.pinnable()
	endedAt := time.Now().UTC()
	ev := schema.ExecutionEvent{RunID: run.runID, Error: firstErr, Stopped: stopped, Duration: endedAt.Sub(startedAt)}
	if err := o.wfFSM.Transition(ctx, schema.WorkflowStatusRunning, to, ev, func() {
		o.mu.Lock()
		o.state.Status = to
		o.state.EndTime = &endedAt
		o.state.CurrentNodeID = ""
		o.state.Error = firstErr
		o.state.Stopped = stopped
		o.lastOutputs = outputs
		o.lastHandles = handles
		o.mu.Unlock()
	}); err != nil {
		log.Error("failed to emit workflow end", slog.String("error", err.Error()))
	}

	log.Info("workflow finished",
		slog.String("status", string(to)),
		slog.Int("failed_nodes", failed),
		slog.Bool("stopped", stopped),
		slog.Duration("duration", endedAt.Sub(startedAt)))

	state := o.State()
	if err := ctx.Err(); err != nil {
		return state, schema.NewError(schema.ErrCodeCancelled, "workflow execution cancelled").WithCause(err)
	}
	return state, nil
}

// Stop asks the running workflow to stop. Nodes already running finish;
// every node that has not started is skipped. Returns false when nothing
// is running.
func (o *Orchestrator) Stop() bool {
	if !o.running.Load() {
		return false
	}
	o.stopRequested.Store(true)
	o.logger.Info("workflow stop requested")
	return true
}

// release ends a run or reset. The stop flag is cleared while running is
// still held, so a Stop accepted during a run is never dropped and never
// leaks into the next one.
func (o *Orchestrator) release() {
	o.stopRequested.Store(false)
	o.running.Store(false)
}

// IsRunning reports whether a run is in progress.
func (o *Orchestrator) IsRunning() bool {
	return o.running.Load()
}

// Reset clears the execution state back to idle, forgets pinned outputs and
// publishes a workflow:reset event so event-fed views clear too. It fails
// with CONFLICT while a run is in progress.
func (o *Orchestrator) Reset() error {
	if !o.running.CompareAndSwap(false, true) {
		return schema.NewError(schema.ErrCodeConflict, "cannot reset while a workflow is running")
	}
	defer o.release()

	o.mu.Lock()
	prevRunID := o.state.RunID
	o.state = schema.NewWorkflowExecutionState()
	o.graph = nil
	o.nodeData = make(map[string]map[string]any)
	o.lastOutputs = make(map[string]any)
	o.lastHandles = make(map[string][]string)
	o.mu.Unlock()

	ev := schema.ExecutionEvent{
		Type:   schema.EventWorkflowReset,
		RunID:  prevRunID,
		Status: string(schema.WorkflowStatusIdle),
	}
	if err := o.emit(context.Background(), ev); err != nil {
		o.logger.Warn("failed to emit workflow reset", slog.String("error", err.Error()))
	}
	return nil
}

// State returns a deep copy of the current run state.
func (o *Orchestrator) State() *schema.WorkflowExecutionState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Clone()
}

// NodeStatus returns a node's status in the current run, idle when unknown.
func (o *Orchestrator) NodeStatus(nodeID string) schema.NodeStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.NodeStatus(nodeID)
}

// ExecutionGraph returns the graph of the current or last run, or nil.
// The graph is immutable.
func (o *Orchestrator) ExecutionGraph() *ExecutionGraph {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.graph
}

// NodeData returns a copy of the run's data for nodeID.
func (o *Orchestrator) NodeData(nodeID string) (map[string]any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	data, ok := o.nodeData[nodeID]
	if !ok {
		return nil, false
	}
	return schema.CloneMap(data), true
}

// UpdateNodeData merges partial into the stored data of nodeID (keys in
// partial win) and emits a node:data event. Listeners must not call back
// into UpdateNodeData.
func (o *Orchestrator) UpdateNodeData(nodeID string, partial map[string]any) error {
	o.mu.Lock()
	data, ok := o.nodeData[nodeID]
	if !ok {
		o.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNodeNotFound, "node not found: %s", nodeID).WithNode(nodeID)
	}
	if data == nil {
		data = make(map[string]any)
	}
	if err := mergo.Merge(&data, schema.CloneMap(partial), mergo.WithOverride); err != nil {
		o.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeExecutor, "merge node data: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}
	o.nodeData[nodeID] = data

	snapshot := schema.CloneMap(data)
	runID := o.state.RunID
	var nodeType string
	if o.graph != nil {
		if n, ok := o.graph.Node(nodeID); ok {
			nodeType = n.Type
		}
	}
	hook := o.dataHook
	o.mu.Unlock()

	ctx := logging.WithIDs(context.Background(), runID, nodeID, nodeType)
	if err := o.emit(ctx, schema.ExecutionEvent{
		Type:     schema.EventNodeData,
		RunID:    runID,
		NodeID:   nodeID,
		NodeType: nodeType,
		Data:     snapshot,
	}); err != nil {
		logging.LogWith(ctx, o.logger).Warn("failed to emit node data", slog.String("error", err.Error()))
	}
	if hook != nil {
		hook(nodeID, schema.CloneMap(snapshot))
	}
	return nil
}

// SetEventListener installs fn as the single replaceable listener slot,
// removing the previous one. nil clears the slot. Other observers should
// attach to the hub directly.
func (o *Orchestrator) SetEventListener(fn streaming.Listener) {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	if o.removeListener != nil {
		o.removeListener()
		o.removeListener = nil
	}
	if fn != nil {
		o.removeListener = o.hub.AddListener(fn)
	}
}

// SetDataHook installs the hook called after node data updates.
func (o *Orchestrator) SetDataHook(h DataHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dataHook = h
}

// Hub returns the event hub the orchestrator publishes to.
func (o *Orchestrator) Hub() streaming.EventHub {
	return o.hub
}

// Registry returns the executor registry.
func (o *Orchestrator) Registry() *nodes.Registry {
	return o.registry
}

// PoolMetrics returns a snapshot of the worker pool metrics.
func (o *Orchestrator) PoolMetrics() PoolMetrics {
	return o.pool.Metrics()
}

// Close waits for in-flight node invocations and releases the worker pool.
func (o *Orchestrator) Close() {
	o.pool.Shutdown()
}

// emit stamps the event with the next sequence number and publishes it.
// Publication ignores caller cancellation so the closing events of a
// cancelled run are still delivered.
func (o *Orchestrator) emit(ctx context.Context, ev schema.ExecutionEvent) error {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.seq++
	ev.Seq = o.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return o.hub.Publish(context.WithoutCancel(ctx), ev)
}

// updateNode applies fn to the stored state of nodeID under the state lock.
func (o *Orchestrator) updateNode(nodeID string, fn func(st *schema.WorkflowExecutionState, ns *schema.NodeExecutionState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ns, ok := o.state.Nodes[nodeID]
	if !ok {
		ns = &schema.NodeExecutionState{NodeID: nodeID}
		o.state.Nodes[nodeID] = ns
	}
	fn(o.state, ns)
}

// errorMessage returns the human-readable part of err.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return err.Error()
}
