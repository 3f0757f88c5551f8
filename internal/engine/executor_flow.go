package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/flowcanvas/internal/expressions"
	"github.com/rendis/flowcanvas/internal/logging"
	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// runState is the scheduler-owned view of one run. Only the goroutine
// running Execute touches it; workers report back through done.
type runState struct {
	o       *Orchestrator
	runID   string
	graph   *ExecutionGraph
	trigger map[string]any

	// pinned outputs from the previous run, for sources outside the scope.
	pinned        map[string]any
	pinnedHandles map[string][]string

	outputs  map[string]any
	handles  map[string][]string // nil entry = every handle active
	status   map[string]schema.NodeStatus
	reasons  map[string]schema.SkipReason
	errors   map[string]string
	settings map[string]nodes.Settings

	done     chan nodeOutcome
	inFlight int
}

// nodeOutcome is what a worker reports for one node invocation.
type nodeOutcome struct {
	id       string
	res      *nodes.Result
	err      error
	attempts int
	duration time.Duration
}

func (o *Orchestrator) newRun(runID string, graph *ExecutionGraph, opts ExecuteOptions) *runState {
	r := &runState{
		o:             o,
		runID:         runID,
		graph:         graph,
		trigger:       schema.CloneMap(opts.Trigger),
		pinned:        make(map[string]any),
		pinnedHandles: make(map[string][]string),
		outputs:       make(map[string]any),
		handles:       make(map[string][]string),
		status:        make(map[string]schema.NodeStatus, graph.Len()),
		reasons:       make(map[string]schema.SkipReason),
		errors:        make(map[string]string),
		settings:      make(map[string]nodes.Settings, graph.Len()),
		done:          make(chan nodeOutcome, graph.Len()),
	}

	if opts.StartNodeID != "" {
		o.mu.RLock()
		for id, out := range o.lastOutputs {
			if graph.InScope(id) {
				continue
			}
			r.pinned[id] = schema.CloneValue(out)
			if h, ok := o.lastHandles[id]; ok {
				r.pinnedHandles[id] = h
			}
		}
		o.mu.RUnlock()
	}

	for _, id := range graph.Order() {
		n, _ := graph.Node(id)
		r.status[id] = schema.NodeStatusIdle
		r.settings[id] = nodes.ParseSettings(n.Data)
	}
	return r
}

// loop dispatches ready nodes and collects outcomes until nothing is in
// flight and no node can make progress.
func (r *runState) loop(ctx context.Context) {
	for {
		r.advance(ctx)
		if r.inFlight == 0 {
			return
		}
		out := <-r.done
		r.finish(ctx, out)
	}
}

// advance makes one pass over the topological order. Skips cascade within
// the pass because downstream nodes always come later in the order.
func (r *runState) advance(ctx context.Context) {
	for _, id := range r.graph.Order() {
		if r.status[id] != schema.NodeStatusIdle || !r.upstreamTerminal(id) {
			continue
		}
		if r.o.stopRequested.Load() || ctx.Err() != nil {
			r.skip(ctx, id, schema.SkipStopped)
			continue
		}
		if reason, ok := r.classify(id); !ok {
			r.skip(ctx, id, reason)
			continue
		}
		if r.inFlight >= r.o.pool.Size() {
			continue
		}
		r.dispatch(ctx, id)
	}
}

func (r *runState) upstreamTerminal(id string) bool {
	for _, e := range r.graph.ScopedUpstream(id) {
		if !r.status[e.Source].IsTerminal() {
			return false
		}
	}
	return true
}

// classify decides whether a node with terminal upstream runs, and if not,
// why it is skipped.
func (r *runState) classify(id string) (schema.SkipReason, bool) {
	edges := r.graph.ScopedUpstream(id)
	live := len(edges) == 0
	for _, e := range edges {
		if r.deadEdge(e) {
			continue
		}
		switch r.status[e.Source] {
		case schema.NodeStatusError, schema.NodeStatusSkipped:
			return schema.SkipUpstreamFailed, false
		case schema.NodeStatusSuccess:
			live = true
		}
	}
	if !live {
		return schema.SkipInactiveBranch, false
	}
	if r.settings[id].Disabled {
		return schema.SkipDisabled, false
	}
	return "", true
}

// deadEdge reports whether an edge was pruned: its source took another
// branch or was itself on a dead path.
func (r *runState) deadEdge(e schema.Edge) bool {
	switch r.status[e.Source] {
	case schema.NodeStatusSkipped:
		return r.reasons[e.Source].DeadPath()
	case schema.NodeStatusSuccess:
		return !handleActive(r.handles[e.Source], e.SourceHandle)
	}
	return false
}

func handleActive(active []string, handle string) bool {
	if active == nil {
		return true
	}
	handle = normalizeHandle(handle)
	for _, h := range active {
		if normalizeHandle(h) == handle {
			return true
		}
	}
	return false
}

func normalizeHandle(h string) string {
	if h == "" {
		return schema.DefaultHandle
	}
	return h
}

func (r *runState) nodeEvent(id string) schema.ExecutionEvent {
	n, _ := r.graph.Node(id)
	return schema.ExecutionEvent{RunID: r.runID, NodeID: id, NodeType: n.Type}
}

func (r *runState) logger(ctx context.Context, id string) *slog.Logger {
	n, _ := r.graph.Node(id)
	return logging.LogWith(logging.WithIDs(ctx, r.runID, id, n.Type), r.o.logger)
}

// transition moves a node through the FSM and logs failures; local status
// is tracked by the caller regardless.
func (r *runState) transition(ctx context.Context, id string, from, to schema.NodeStatus, ev schema.ExecutionEvent, commit func(*schema.NodeExecutionState)) {
	err := r.o.nodeFSM.Transition(ctx, from, to, ev, func() {
		r.o.updateNode(id, func(st *schema.WorkflowExecutionState, ns *schema.NodeExecutionState) {
			ns.Status = to
			if commit != nil {
				commit(ns)
			}
			if to == schema.NodeStatusRunning {
				st.CurrentNodeID = id
			}
		})
	})
	log := r.logger(ctx, id)
	if err != nil {
		log.Error("node transition failed",
			slog.String("from", string(from)), slog.String("to", string(to)), slog.String("error", err.Error()))
		return
	}
	log.Debug("node transition", slog.String("from", string(from)), slog.String("to", string(to)))
}

func (r *runState) skip(ctx context.Context, id string, reason schema.SkipReason) {
	r.status[id] = schema.NodeStatusSkipped
	r.reasons[id] = reason
	ev := r.nodeEvent(id)
	ev.Reason = reason
	r.transition(ctx, id, schema.NodeStatusIdle, schema.NodeStatusSkipped, ev, func(ns *schema.NodeExecutionState) {
		ns.SkipReason = reason
	})
}

// dispatch moves a node to running and hands it to the worker pool.
func (r *runState) dispatch(ctx context.Context, id string) {
	o := r.o
	ev := r.nodeEvent(id)
	r.transition(ctx, id, schema.NodeStatusIdle, schema.NodeStatusPending, ev, nil)

	startedAt := time.Now().UTC()
	r.transition(ctx, id, schema.NodeStatusPending, schema.NodeStatusRunning, ev, func(ns *schema.NodeExecutionState) {
		ns.StartTime = &startedAt
	})
	r.status[id] = schema.NodeStatusRunning
	r.inFlight++

	node, _ := r.graph.Node(id)
	if data, ok := o.NodeData(id); ok {
		node.Data = data
	}
	inputs, upstream := r.gatherInputs(id)
	nodeCtx := logging.WithIDs(ctx, r.runID, id, node.Type)
	ec := &nodes.ExecutionContext{
		RunID:    r.runID,
		Node:     node,
		Inputs:   inputs,
		Upstream: upstream,
		Trigger:  schema.CloneMap(r.trigger),
		Logger:   logging.LogWith(nodeCtx, o.logger),
		Updater:  o,
	}
	settings := r.settings[id]
	var scope *expressions.Scope
	if expressions.HasTemplate(node.Data) {
		scope = r.templateScope(id, inputs)
	}

	// Submit must not fail on cancellation: a node that reached running
	// always reports an outcome. The executor still sees nodeCtx.
	err := o.pool.Submit(context.WithoutCancel(ctx), func(context.Context) error {
		out := o.invoke(nodeCtx, ec, settings, scope)
		r.done <- out
		return out.err
	})
	if err != nil {
		r.done <- nodeOutcome{
			id:  id,
			err: schema.NewError(schema.ErrCodeExecutor, "worker pool unavailable").WithNode(id).WithCause(err),
		}
	}
}

// templateScope collects what node id's data templates may reference: the
// outputs of its successful ancestors (pinned ones for sources outside the
// scope), its inputs and the trigger payload.
func (r *runState) templateScope(id string, inputs map[string]any) *expressions.Scope {
	scope := expressions.NewScope(r.runID, r.trigger)
	scope.Secrets = r.o.config.Secrets
	scope.SetInputs(inputs)
	for _, a := range r.graph.Ancestors(id) {
		if r.graph.InScope(a) {
			if r.status[a] == schema.NodeStatusSuccess {
				scope.SetNodeOutput(a, r.outputs[a])
			}
			continue
		}
		if out, ok := r.pinned[a]; ok {
			scope.SetNodeOutput(a, out)
		}
	}
	return scope
}

// gatherInputs collects the outputs reaching a node, keyed by target handle
// and by source node. Several edges into one handle yield a []any in edge
// order.
func (r *runState) gatherInputs(id string) (map[string]any, map[string]any) {
	grouped := make(map[string][]any)
	keys := make([]string, 0)
	upstream := make(map[string]any)
	for _, e := range r.graph.Upstream(id) {
		out, ok := r.sourceOutput(e)
		if !ok {
			continue
		}
		key := e.InputKey()
		if _, seen := grouped[key]; !seen {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], schema.CloneValue(out))
		upstream[e.Source] = schema.CloneValue(out)
	}

	inputs := make(map[string]any, len(keys))
	for _, key := range keys {
		if vals := grouped[key]; len(vals) == 1 {
			inputs[key] = vals[0]
		} else {
			inputs[key] = vals
		}
	}
	return inputs, upstream
}

// sourceOutput resolves what an edge delivers: the output of an in-scope
// source that succeeded on this handle, or a pinned output from the
// previous run for sources outside the scope.
func (r *runState) sourceOutput(e schema.Edge) (any, bool) {
	if r.graph.InScope(e.Source) {
		if r.status[e.Source] != schema.NodeStatusSuccess || !handleActive(r.handles[e.Source], e.SourceHandle) {
			return nil, false
		}
		return r.outputs[e.Source], true
	}
	out, ok := r.pinned[e.Source]
	if !ok || !handleActive(r.pinnedHandles[e.Source], e.SourceHandle) {
		return nil, false
	}
	return out, true
}

// finish records a worker outcome.
func (r *runState) finish(ctx context.Context, out nodeOutcome) {
	r.inFlight--
	id := out.id
	endedAt := time.Now().UTC()
	ev := r.nodeEvent(id)
	ev.Duration = out.duration

	if out.err != nil {
		msg := errorMessage(out.err)
		r.status[id] = schema.NodeStatusError
		r.errors[id] = msg
		r.logger(ctx, id).Warn("node failed",
			slog.String("error", out.err.Error()),
			slog.Int("attempts", out.attempts),
			slog.Duration("duration", out.duration))
		ev.Error = msg
		r.transition(ctx, id, schema.NodeStatusRunning, schema.NodeStatusError, ev, func(ns *schema.NodeExecutionState) {
			ns.EndTime = &endedAt
			ns.Duration = out.duration
			ns.Error = msg
			ns.Attempts = out.attempts
		})
		return
	}

	var active []string
	if out.res.ActiveHandles != nil {
		active = append([]string{}, out.res.ActiveHandles...)
	}
	r.status[id] = schema.NodeStatusSuccess
	r.outputs[id] = out.res.Output
	r.handles[id] = active

	ev.Output = schema.CloneValue(out.res.Output)
	r.transition(ctx, id, schema.NodeStatusRunning, schema.NodeStatusSuccess, ev, func(ns *schema.NodeExecutionState) {
		ns.EndTime = &endedAt
		ns.Duration = out.duration
		ns.Output = schema.CloneValue(out.res.Output)
		ns.Attempts = out.attempts
		ns.ActiveHandles = active
	})
}

// pinnable returns the outputs the next ExecuteFromNode may reuse: the
// pinned outputs carried into this run plus everything that succeeded in it.
func (r *runState) pinnable() (map[string]any, map[string][]string) {
	outputs := make(map[string]any, len(r.pinned)+len(r.outputs))
	handles := make(map[string][]string)
	for id, out := range r.pinned {
		outputs[id] = out
		if h, ok := r.pinnedHandles[id]; ok {
			handles[id] = h
		}
	}
	for id, out := range r.outputs {
		outputs[id] = schema.CloneValue(out)
		if h := r.handles[id]; h != nil {
			handles[id] = h
		}
	}
	return outputs, handles
}

// invoke resolves, validates and runs one node with its retry and timeout
// settings. It never panics.
func (o *Orchestrator) invoke(ctx context.Context, ec *nodes.ExecutionContext, settings nodes.Settings, scope *expressions.Scope) nodeOutcome {
	start := time.Now()
	out := nodeOutcome{id: ec.Node.ID}

	exec, err := o.registry.Resolve(ec.Node.Type)
	if err != nil {
		out.err = err
		out.duration = time.Since(start)
		return out
	}
	if scope != nil {
		data, err := expressions.ResolveData(ctx, ec.Node.Data, scope)
		if err != nil {
			var fe *schema.FlowError
			if errors.As(err, &fe) {
				err = fe.WithNode(ec.Node.ID)
			}
			out.err = err
			out.duration = time.Since(start)
			return out
		}
		ec.Node.Data = data
	}
	if o.validator != nil {
		if err := o.validator.ValidateNodeData(ec.Node, exec.Schema().DataSchema); err != nil {
			out.err = err
			out.duration = time.Since(start)
			return out
		}
	}

	res, attempts, err := DoWithRetry(ctx, PolicyFromSettings(settings), func(ctx context.Context, attempt int) (*nodes.Result, error) {
		ec.Attempt = attempt
		if attempt > 1 {
			ec.Log().Info("retrying node", slog.Int("attempt", attempt))
		}
		return o.attempt(ctx, exec, ec, settings.Timeout)
	})
	out.attempts = attempts
	out.duration = time.Since(start)

	if err != nil {
		if settings.ContinueOnFail && ctx.Err() == nil {
			ec.Log().Warn("node failed, continuing", slog.String("error", err.Error()))
			out.res = nodes.Ok(map[string]any{"error": errorMessage(err)})
			return out
		}
		out.err = err
		return out
	}
	out.res = res
	return out
}

// attempt runs the executor once under the per-attempt timeout, converting
// panics, empty results and success:false into errors.
func (o *Orchestrator) attempt(ctx context.Context, exec nodes.NodeExecutor, ec *nodes.ExecutionContext, timeout time.Duration) (res *nodes.Result, err error) {
	nodeID := ec.Node.ID
	if timeout <= 0 {
		timeout = o.config.DefaultTimeout
	}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			perr := &PanicError{Value: rec}
			ec.Log().Error("node executor panicked", slog.Any("panic", rec))
			res = nil
			err = schema.NewError(schema.ErrCodeExecutor, perr.Error()).WithNode(nodeID).WithCause(perr)
		}
	}()

	res, err = exec.Execute(actx, ec)
	if err == nil && res == nil {
		err = schema.NewError(schema.ErrCodeExecutor, "executor returned no result").WithNode(nodeID)
	}
	if err == nil && !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "node execution failed"
		}
		err = schema.NewError(schema.ErrCodeExecutor, msg).WithNode(nodeID)
	}
	if err != nil && timeout > 0 && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "node timed out after %s", timeout).WithNode(nodeID).WithCause(err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
