package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcanvas/internal/logging"
	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/internal/streaming"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// --- helpers ---

type eventRecorder struct {
	mu     sync.Mutex
	events []schema.ExecutionEvent
}

func (r *eventRecorder) record(ev schema.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) Events() []schema.ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.ExecutionEvent(nil), r.events...)
}

// find returns the first event of the given type for nodeID ("" for workflow events).
func (r *eventRecorder) find(t schema.EventType, nodeID string) (schema.ExecutionEvent, int, bool) {
	for i, ev := range r.Events() {
		if ev.Type == t && ev.NodeID == nodeID {
			return ev, i, true
		}
	}
	return schema.ExecutionEvent{}, -1, false
}

type invocations struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *invocations) add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[id]++
}

func (c *invocations) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

func newTestOrchestrator(t *testing.T, poolSize int) (*Orchestrator, *nodes.Registry, *eventRecorder) {
	t.Helper()
	reg := nodes.NewRegistry()
	o := NewOrchestrator(reg, streaming.NewMemoryHub(), ExecutorConfig{PoolSize: poolSize, Logger: logging.Discard()})
	t.Cleanup(o.Close)

	rec := &eventRecorder{}
	o.Hub().AddListener(rec.record)

	require.NoError(t, reg.RegisterFunc("source", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		return nodes.Ok(ec.Node.Data["value"]), nil
	}))
	require.NoError(t, reg.RegisterFunc("echo", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		return nodes.Ok(map[string]any{"inputs": ec.Inputs, "upstream": ec.Upstream}), nil
	}))
	require.NoError(t, reg.RegisterFunc("fail", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		return nodes.Fail("boom"), nil
	}))
	return o, reg, rec
}

func node(id, nodeType string, data map[string]any) schema.Node {
	return schema.Node{ID: id, Type: nodeType, Data: data}
}

func edge(source, target string) schema.Edge {
	return schema.Edge{ID: source + "->" + target, Source: source, Target: target}
}

func handleEdge(source, sourceHandle, target, targetHandle string) schema.Edge {
	return schema.Edge{
		ID:           source + ":" + sourceHandle + "->" + target + ":" + targetHandle,
		Source:       source,
		SourceHandle: sourceHandle,
		Target:       target,
		TargetHandle: targetHandle,
	}
}

func nodeState(t *testing.T, st *schema.WorkflowExecutionState, id string) *schema.NodeExecutionState {
	t.Helper()
	ns, ok := st.Nodes[id]
	require.True(t, ok, "no state for node %s", id)
	return ns
}

// --- tests ---

func TestOrchestrator_LinearSuccess(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, 1)

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "source", map[string]any{"value": 1}), node("b", "echo", nil), node("c", "echo", nil)},
		[]schema.Edge{edge("a", "b"), edge("b", "c")},
		ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusSuccess, st.Status)
	assert.NotEmpty(t, st.RunID)
	require.NotNil(t, st.StartTime)
	require.NotNil(t, st.EndTime)
	assert.Empty(t, st.CurrentNodeID)

	b := nodeState(t, st, "b")
	assert.Equal(t, schema.NodeStatusSuccess, b.Status)
	assert.Equal(t, map[string]any{
		"inputs":   map[string]any{"default": 1},
		"upstream": map[string]any{"a": 1},
	}, b.Output)
	assert.Equal(t, 1, b.Attempts)
	require.NotNil(t, b.StartTime)
	require.NotNil(t, b.EndTime)

	want := []struct {
		typ    schema.EventType
		nodeID string
	}{
		{schema.EventWorkflowStart, ""},
		{schema.EventNodeStart, "a"}, {schema.EventNodeComplete, "a"},
		{schema.EventNodeStart, "b"}, {schema.EventNodeComplete, "b"},
		{schema.EventNodeStart, "c"}, {schema.EventNodeComplete, "c"},
		{schema.EventWorkflowComplete, ""},
	}
	events := rec.Events()
	require.Len(t, events, len(want))
	for i, w := range want {
		assert.Equal(t, w.typ, events[i].Type, "event %d", i)
		assert.Equal(t, w.nodeID, events[i].NodeID, "event %d", i)
		assert.Equal(t, st.RunID, events[i].RunID)
		assert.False(t, events[i].Timestamp.IsZero())
		if i > 0 {
			assert.Greater(t, events[i].Seq, events[i-1].Seq)
		}
	}
	assert.Equal(t, "echo", events[3].NodeType)
	assert.Equal(t, 1, events[2].Output)
}

func TestOrchestrator_FailureSkipsDownstream(t *testing.T) {
	reg := nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(reg, nodes.Config{}))
	o := NewOrchestrator(reg, nil, ExecutorConfig{Logger: logging.Discard()})
	defer o.Close()
	rec := &eventRecorder{}
	o.SetEventListener(rec.record)

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			node("hook", nodes.TypeWebhook, nil),
			node("py", nodes.TypeScript, map[string]any{"script": `fail("ValueError: bad geometry")`}),
			node("call", nodes.TypeHTTPRequest, map[string]any{"url": "http://127.0.0.1:1/never"}),
		},
		[]schema.Edge{edge("hook", "py"), edge("py", "call")},
		ExecuteOptions{Trigger: map[string]any{"ifc": "tower.ifc"}})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusError, st.Status)
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, st, "hook").Status)
	assert.Equal(t, map[string]any{"ifc": "tower.ifc"}, nodeState(t, st, "hook").Output)

	py := nodeState(t, st, "py")
	assert.Equal(t, schema.NodeStatusError, py.Status)
	assert.Equal(t, "ValueError: bad geometry", py.Error)

	call := nodeState(t, st, "call")
	assert.Equal(t, schema.NodeStatusSkipped, call.Status)
	assert.Equal(t, schema.SkipUpstreamFailed, call.SkipReason)
	assert.Nil(t, call.StartTime)

	assert.Contains(t, st.Error, "py")

	ev, _, ok := rec.find(schema.EventNodeError, "py")
	require.True(t, ok)
	assert.Equal(t, "ValueError: bad geometry", ev.Error)

	ev, _, ok = rec.find(schema.EventNodeSkip, "call")
	require.True(t, ok)
	assert.Equal(t, schema.SkipUpstreamFailed, ev.Reason)

	_, _, ok = rec.find(schema.EventNodeStart, "call")
	assert.False(t, ok, "skipped node must never start")

	_, last, ok := rec.find(schema.EventWorkflowError, "")
	require.True(t, ok)
	assert.Equal(t, len(rec.Events())-1, last)
}

func TestOrchestrator_BranchPruning(t *testing.T) {
	reg := nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(reg, nodes.Config{}))
	o := NewOrchestrator(reg, nil, ExecutorConfig{Logger: logging.Discard()})
	defer o.Close()

	calls := &invocations{}
	require.NoError(t, reg.RegisterFunc("count", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		calls.add(ec.Node.ID)
		return nodes.Ok(map[string]any{"branch": ec.Node.ID, "inputs": ec.Inputs}), nil
	}))

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			node("num", nodes.TypeNumberInput, map[string]any{"value": 5}),
			node("check", nodes.TypeIfElse, map[string]any{"operator": "==", "compareValue": 5}),
			node("yes", "count", nil),
			node("no", "count", nil),
			node("afterNo", "count", nil),
			node("join", "count", nil),
		},
		[]schema.Edge{
			edge("num", "check"),
			handleEdge("check", nodes.HandleTrue, "yes", ""),
			handleEdge("check", nodes.HandleFalse, "no", ""),
			edge("no", "afterNo"),
			handleEdge("yes", "", "join", "left"),
			handleEdge("no", "", "join", "right"),
		},
		ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusSuccess, st.Status)

	check := nodeState(t, st, "check")
	assert.Equal(t, []string{nodes.HandleTrue}, check.ActiveHandles)
	assert.Equal(t, map[string]any{"result": true, "value": 5.0}, check.Output)

	assert.Equal(t, 1, calls.count("yes"))
	assert.Equal(t, 0, calls.count("no"))
	assert.Equal(t, 0, calls.count("afterNo"))
	assert.Equal(t, 1, calls.count("join"))

	for _, id := range []string{"no", "afterNo"} {
		ns := nodeState(t, st, id)
		assert.Equal(t, schema.NodeStatusSkipped, ns.Status, id)
		assert.Equal(t, schema.SkipInactiveBranch, ns.SkipReason, id)
	}

	join := nodeState(t, st, "join").Output.(map[string]any)
	inputs := join["inputs"].(map[string]any)
	assert.Contains(t, inputs, "left")
	assert.NotContains(t, inputs, "right")
}

func TestOrchestrator_IndependentBranchContinuesAfterFailure(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			node("s", "source", map[string]any{"value": "x"}),
			node("bad", "fail", nil),
			node("afterBad", "echo", nil),
			node("good", "echo", nil),
			node("afterGood", "echo", nil),
		},
		[]schema.Edge{edge("s", "bad"), edge("bad", "afterBad"), edge("s", "good"), edge("good", "afterGood")},
		ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusError, st.Status)
	assert.Equal(t, schema.NodeStatusError, nodeState(t, st, "bad").Status)
	assert.Equal(t, "boom", nodeState(t, st, "bad").Error)
	assert.Equal(t, schema.SkipUpstreamFailed, nodeState(t, st, "afterBad").SkipReason)
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, st, "good").Status)
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, st, "afterGood").Status)
}

func TestOrchestrator_UpstreamFailedCascades(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("bad", "fail", nil), node("b", "echo", nil), node("c", "echo", nil)},
		[]schema.Edge{edge("bad", "b"), edge("b", "c")},
		ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.SkipUpstreamFailed, nodeState(t, st, "b").SkipReason)
	assert.Equal(t, schema.SkipUpstreamFailed, nodeState(t, st, "c").SkipReason)
}

func TestOrchestrator_FanInInputs(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			node("a", "source", map[string]any{"value": 1}),
			node("b", "source", map[string]any{"value": 2}),
			node("c", "source", map[string]any{"value": 3}),
			node("sum", "echo", nil),
		},
		[]schema.Edge{
			edge("b", "sum"),
			edge("a", "sum"),
			handleEdge("c", "", "sum", "offset"),
		},
		ExecuteOptions{})
	require.NoError(t, err)

	out := nodeState(t, st, "sum").Output.(map[string]any)
	assert.Equal(t, map[string]any{
		"default": []any{2, 1},
		"offset":  3,
	}, out["inputs"])
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, out["upstream"])
}

func TestOrchestrator_UnknownNodeType(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, 1)

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "mystery", nil), node("b", "echo", nil)},
		[]schema.Edge{edge("a", "b")},
		ExecuteOptions{})
	require.NoError(t, err)

	a := nodeState(t, st, "a")
	assert.Equal(t, schema.NodeStatusError, a.Status)
	assert.Equal(t, "no executor registered for type mystery", a.Error)
	assert.Equal(t, schema.SkipUpstreamFailed, nodeState(t, st, "b").SkipReason)

	_, _, ok := rec.find(schema.EventNodeStart, "a")
	assert.True(t, ok)
}

func TestOrchestrator_GraphErrors(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		o, _, rec := newTestOrchestrator(t, 1)
		st, err := o.Execute(context.Background(),
			[]schema.Node{node("a", "echo", nil), node("b", "echo", nil)},
			[]schema.Edge{edge("a", "b"), edge("b", "a")},
			ExecuteOptions{})
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeCycleDetected, schema.ErrorCode(err))
		assert.True(t, schema.IsGraphError(err))

		assert.Equal(t, schema.WorkflowStatusError, st.Status)
		assert.Contains(t, st.Error, "cycle")
		assert.Empty(t, st.Nodes)

		events := rec.Events()
		require.Len(t, events, 1)
		assert.Equal(t, schema.EventWorkflowError, events[0].Type)
		assert.Equal(t, st.RunID, events[0].RunID)
		assert.False(t, o.IsRunning())
	})

	t.Run("missing start node", func(t *testing.T) {
		o, _, rec := newTestOrchestrator(t, 1)
		_, err := o.ExecuteFromNode(context.Background(),
			[]schema.Node{node("a", "echo", nil)}, nil, "ghost")
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeNodeNotFound, schema.ErrorCode(err))
		require.Len(t, rec.Events(), 1)
		assert.Equal(t, schema.EventWorkflowError, rec.Events()[0].Type)
	})

	t.Run("empty workflow", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, 1)
		_, err := o.Execute(context.Background(), nil, nil, ExecuteOptions{})
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	})

	t.Run("empty start node id", func(t *testing.T) {
		o, _, _ := newTestOrchestrator(t, 1)
		_, err := o.ExecuteFromNode(context.Background(), []schema.Node{node("a", "echo", nil)}, nil, "")
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	})
}

func TestOrchestrator_ConcurrentExecuteConflict(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, reg.RegisterFunc("block", func(_ context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		close(started)
		<-release
		return nodes.Ok(nil), nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := o.Execute(context.Background(), []schema.Node{node("a", "block", nil)}, nil, ExecuteOptions{})
		done <- err
	}()
	<-started

	assert.True(t, o.IsRunning())
	assert.Equal(t, schema.NodeStatusRunning, o.NodeStatus("a"))
	assert.Equal(t, "a", o.State().CurrentNodeID)

	_, err := o.Execute(context.Background(), []schema.Node{node("x", "echo", nil)}, nil, ExecuteOptions{})
	assert.True(t, errors.Is(err, schema.ErrAlreadyRunning))

	err = o.Reset()
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, o.IsRunning())
	assert.Equal(t, schema.NodeStatusSuccess, o.NodeStatus("a"))
}

func TestOrchestrator_Stop(t *testing.T) {
	o, reg, rec := newTestOrchestrator(t, 1)
	assert.False(t, o.Stop(), "nothing to stop")

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, reg.RegisterFunc("block", func(_ context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		close(started)
		<-release
		return nodes.Ok("done"), nil
	}))

	type result struct {
		st  *schema.WorkflowExecutionState
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := o.Execute(context.Background(),
			[]schema.Node{node("a", "block", nil), node("b", "echo", nil), node("c", "echo", nil)},
			[]schema.Edge{edge("a", "b"), edge("b", "c")},
			ExecuteOptions{})
		done <- result{st, err}
	}()

	<-started
	assert.True(t, o.Stop())
	close(release)
	res := <-done
	require.NoError(t, res.err)

	assert.True(t, res.st.Stopped)
	assert.Equal(t, schema.WorkflowStatusSuccess, res.st.Status)
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, res.st, "a").Status)
	for _, id := range []string{"b", "c"} {
		assert.Equal(t, schema.SkipStopped, nodeState(t, res.st, id).SkipReason, id)
	}

	ev, _, ok := rec.find(schema.EventWorkflowComplete, "")
	require.True(t, ok)
	assert.True(t, ev.Stopped)

	// The flag does not leak into the next run.
	st, err := o.Execute(context.Background(), []schema.Node{node("x", "echo", nil)}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, st.Stopped)
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, st, "x").Status)
}

func TestOrchestrator_ContextCancel(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	started := make(chan struct{})
	require.NoError(t, reg.RegisterFunc("wait", func(ctx context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	st, err := o.Execute(ctx,
		[]schema.Node{node("a", "wait", nil), node("b", "echo", nil)},
		[]schema.Edge{edge("a", "b")},
		ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.ErrorCode(err))
	assert.True(t, errors.Is(err, context.Canceled))

	assert.True(t, st.Stopped)
	assert.Equal(t, schema.NodeStatusError, nodeState(t, st, "a").Status)
	assert.Equal(t, schema.SkipStopped, nodeState(t, st, "b").SkipReason)
	assert.Equal(t, 1, nodeState(t, st, "a").Attempts, "cancellation is never retried")
}

func TestOrchestrator_RetryOnFail(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	var calls atomic.Int32
	require.NoError(t, reg.RegisterFunc("flaky", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		n := calls.Add(1)
		if n < 3 {
			return nodes.Fail("connection reset"), nil
		}
		return nodes.Ok(map[string]any{"attempt": ec.Attempt}), nil
	}))

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "flaky", map[string]any{"retryOnFail": true, "maxTries": 3, "waitBetweenTries": 1})},
		nil, ExecuteOptions{})
	require.NoError(t, err)

	a := nodeState(t, st, "a")
	assert.Equal(t, schema.NodeStatusSuccess, a.Status)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, map[string]any{"attempt": 3}, a.Output)
}

func TestOrchestrator_RetryExhausted(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	var calls atomic.Int32
	require.NoError(t, reg.RegisterFunc("flaky", func(_ context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		calls.Add(1)
		return nodes.Fail("still down"), nil
	}))

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "flaky", map[string]any{"retryOnFail": true, "maxTries": 2, "waitBetweenTries": 1})},
		nil, ExecuteOptions{})
	require.NoError(t, err)

	a := nodeState(t, st, "a")
	assert.Equal(t, schema.NodeStatusError, a.Status)
	assert.Equal(t, "still down", a.Error)
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOrchestrator_NoRetryWithoutRetryOnFail(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	var calls atomic.Int32
	require.NoError(t, reg.RegisterFunc("flaky", func(_ context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		calls.Add(1)
		return nodes.Fail("down"), nil
	}))

	_, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "flaky", map[string]any{"maxTries": 5})}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOrchestrator_ContinueOnFail(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "fail", map[string]any{"continueOnFail": true}), node("b", "echo", nil)},
		[]schema.Edge{edge("a", "b")},
		ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusSuccess, st.Status)
	a := nodeState(t, st, "a")
	assert.Equal(t, schema.NodeStatusSuccess, a.Status)
	assert.Equal(t, map[string]any{"error": "boom"}, a.Output)

	b := nodeState(t, st, "b").Output.(map[string]any)
	assert.Equal(t, map[string]any{"default": map[string]any{"error": "boom"}}, b["inputs"])
}

func TestOrchestrator_DisabledNode(t *testing.T) {
	o, reg, rec := newTestOrchestrator(t, 1)

	calls := &invocations{}
	require.NoError(t, reg.RegisterFunc("count", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		calls.add(ec.Node.ID)
		return nodes.Ok(nil), nil
	}))

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			node("a", "count", nil),
			node("b", "count", map[string]any{"disabled": true}),
			node("c", "count", nil),
		},
		[]schema.Edge{edge("a", "b"), edge("b", "c")},
		ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusSuccess, st.Status)
	assert.Equal(t, 0, calls.count("b"))
	assert.Equal(t, 0, calls.count("c"))
	assert.Equal(t, schema.SkipDisabled, nodeState(t, st, "b").SkipReason)
	assert.Equal(t, schema.SkipInactiveBranch, nodeState(t, st, "c").SkipReason)

	ev, _, ok := rec.find(schema.EventNodeSkip, "b")
	require.True(t, ok)
	assert.Equal(t, schema.SkipDisabled, ev.Reason)
}

func TestOrchestrator_DisabledNodeBehindFailureIsUpstreamFailed(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "fail", nil), node("b", "echo", map[string]any{"disabled": true})},
		[]schema.Edge{edge("a", "b")},
		ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.SkipUpstreamFailed, nodeState(t, st, "b").SkipReason)
}

func TestOrchestrator_NodeTimeout(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	require.NoError(t, reg.RegisterFunc("slow", func(ctx context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nodes.Ok(nil), nil
		}
	}))

	start := time.Now()
	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "slow", map[string]any{"timeout": "20ms"})}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	a := nodeState(t, st, "a")
	assert.Equal(t, schema.NodeStatusError, a.Status)
	assert.Equal(t, "node timed out after 20ms", a.Error)
}

func TestOrchestrator_DefaultTimeout(t *testing.T) {
	reg := nodes.NewRegistry()
	o := NewOrchestrator(reg, nil, ExecutorConfig{DefaultTimeout: 20 * time.Millisecond, Logger: logging.Discard()})
	defer o.Close()

	require.NoError(t, reg.RegisterFunc("slow", func(ctx context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	st, err := o.Execute(context.Background(), []schema.Node{node("a", "slow", nil)}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "node timed out after 20ms", nodeState(t, st, "a").Error)
}

func TestOrchestrator_PanicBecomesNodeError(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 2)

	require.NoError(t, reg.RegisterFunc("panic", func(_ context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		panic("kaboom")
	}))

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "panic", nil), node("b", "echo", nil), node("c", "source", map[string]any{"value": 1})},
		[]schema.Edge{edge("a", "b")},
		ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.NodeStatusError, nodeState(t, st, "a").Status)
	assert.Equal(t, "executor panicked: kaboom", nodeState(t, st, "a").Error)
	assert.Equal(t, schema.SkipUpstreamFailed, nodeState(t, st, "b").SkipReason)
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, st, "c").Status)
	assert.Equal(t, int64(0), o.PoolMetrics().Panics, "panics are recovered before reaching the pool")

	// Still usable.
	st, err = o.Execute(context.Background(), []schema.Node{node("x", "echo", nil)}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, st.Status)
}

func TestOrchestrator_NilResultIsError(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)
	require.NoError(t, reg.RegisterFunc("empty", func(_ context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		return nil, nil
	}))

	st, err := o.Execute(context.Background(), []schema.Node{node("a", "empty", nil)}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "executor returned no result", nodeState(t, st, "a").Error)
}

func TestOrchestrator_NodeDataValidation(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	calls := &invocations{}
	require.NoError(t, reg.Register(nodes.FuncWithSchema("needsURL", nodes.ExecutorSchema{
		DataSchema: []byte(`{"type":"object","required":["url"],"properties":{"url":{"type":"string"}}}`),
	}, func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		calls.add(ec.Node.ID)
		return nodes.Ok(nil), nil
	})))

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			node("bad", "needsURL", map[string]any{"url": 42}),
			node("good", "needsURL", map[string]any{"url": "https://tiles.example/tileset.json"}),
		},
		nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.NodeStatusError, nodeState(t, st, "bad").Status)
	assert.NotEmpty(t, nodeState(t, st, "bad").Error)
	assert.Equal(t, 0, calls.count("bad"))
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, st, "good").Status)
	assert.Equal(t, 1, calls.count("good"))
}

func TestOrchestrator_UpdateNodeData(t *testing.T) {
	o, reg, rec := newTestOrchestrator(t, 1)

	require.NoError(t, reg.RegisterFunc("upload", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		if err := ec.UpdateNodeData(ec.Node.ID, map[string]any{"blobUrl": "blob://123", "fileName": "tower.ifc"}); err != nil {
			return nil, err
		}
		return nodes.Ok(map[string]any{"blobUrl": "blob://123"}), nil
	}))

	type hookCall struct {
		id   string
		data map[string]any
	}
	var hookCalls []hookCall
	o.SetDataHook(func(id string, data map[string]any) {
		hookCalls = append(hookCalls, hookCall{id, data})
	})

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("up", "upload", map[string]any{"path": "models/tower.ifc", "fileName": "old.ifc"})},
		nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, st.Status)

	want := map[string]any{"path": "models/tower.ifc", "fileName": "tower.ifc", "blobUrl": "blob://123"}

	ev, dataIdx, ok := rec.find(schema.EventNodeData, "up")
	require.True(t, ok)
	assert.Equal(t, want, ev.Data)
	assert.Equal(t, st.RunID, ev.RunID)
	assert.Equal(t, "upload", ev.NodeType)

	_, startIdx, _ := rec.find(schema.EventNodeStart, "up")
	_, completeIdx, _ := rec.find(schema.EventNodeComplete, "up")
	assert.Less(t, startIdx, dataIdx)
	assert.Less(t, dataIdx, completeIdx)

	require.Len(t, hookCalls, 1)
	assert.Equal(t, "up", hookCalls[0].id)
	assert.Equal(t, want, hookCalls[0].data)

	data, ok := o.NodeData("up")
	require.True(t, ok)
	assert.Equal(t, want, data)

	err = o.UpdateNodeData("ghost", map[string]any{"x": 1})
	assert.Equal(t, schema.ErrCodeNodeNotFound, schema.ErrorCode(err))
}

func TestOrchestrator_UpdateNodeDataDoesNotLeakIntoCallerNodes(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)
	require.NoError(t, reg.RegisterFunc("mutate", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		ec.Node.Data["scratch"] = true
		return nodes.Ok(nil), ec.UpdateNodeData(ec.Node.ID, map[string]any{"modelId": "m-1"})
	}))

	input := []schema.Node{node("m", "mutate", map[string]any{"url": "a.glb"})}
	_, err := o.Execute(context.Background(), input, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"url": "a.glb"}, input[0].Data)
	data, _ := o.NodeData("m")
	assert.Equal(t, map[string]any{"url": "a.glb", "modelId": "m-1"}, data)
}

func TestOrchestrator_ExecuteFromNodeReusesPinnedOutputs(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	calls := &invocations{}
	require.NoError(t, reg.RegisterFunc("expensive", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		calls.add(ec.Node.ID)
		return nodes.Ok(7), nil
	}))

	wfNodes := []schema.Node{node("a", "expensive", nil), node("b", "echo", nil), node("c", "echo", nil)}
	wfEdges := []schema.Edge{edge("a", "b"), edge("b", "c")}

	_, err := o.Execute(context.Background(), wfNodes, wfEdges, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls.count("a"))

	st, err := o.ExecuteFromNode(context.Background(), wfNodes, wfEdges, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, calls.count("a"), "upstream outside the scope must not run")

	assert.NotContains(t, st.Nodes, "a")
	assert.Equal(t, schema.NodeStatusIdle, o.NodeStatus("a"))
	b := nodeState(t, st, "b").Output.(map[string]any)
	assert.Equal(t, map[string]any{"default": 7}, b["inputs"])
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, st, "c").Status)

	// Pinned outputs survive a second partial run.
	st, err = o.ExecuteFromNode(context.Background(), wfNodes, wfEdges, "b")
	require.NoError(t, err)
	b = nodeState(t, st, "b").Output.(map[string]any)
	assert.Equal(t, map[string]any{"default": 7}, b["inputs"])

	// After Reset there is nothing to reuse.
	require.NoError(t, o.Reset())
	st, err = o.ExecuteFromNode(context.Background(), wfNodes, wfEdges, "b")
	require.NoError(t, err)
	b = nodeState(t, st, "b").Output.(map[string]any)
	assert.Empty(t, b["inputs"])
}

func TestOrchestrator_PinnedOutputsRespectBranch(t *testing.T) {
	reg := nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(reg, nodes.Config{}))
	o := NewOrchestrator(reg, nil, ExecutorConfig{Logger: logging.Discard()})
	defer o.Close()
	require.NoError(t, reg.RegisterFunc("echo", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		return nodes.Ok(ec.Inputs), nil
	}))

	wfNodes := []schema.Node{
		node("check", nodes.TypeIfElse, map[string]any{"value": 1, "operator": ">", "compareValue": 10}),
		node("big", "echo", nil),
		node("small", "echo", nil),
	}
	wfEdges := []schema.Edge{
		handleEdge("check", nodes.HandleTrue, "big", ""),
		handleEdge("check", nodes.HandleFalse, "small", ""),
	}
	_, err := o.Execute(context.Background(), wfNodes, wfEdges, ExecuteOptions{})
	require.NoError(t, err)

	st, err := o.ExecuteFromNode(context.Background(), wfNodes, wfEdges, "big")
	require.NoError(t, err)
	assert.Empty(t, nodeState(t, st, "big").Output, "edge from an inactive pinned handle delivers nothing")

	st, err = o.ExecuteFromNode(context.Background(), wfNodes, wfEdges, "small")
	require.NoError(t, err)
	assert.Contains(t, nodeState(t, st, "small").Output, "default")
}

func TestOrchestrator_Reset(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, 1)

	ran, err := o.Execute(context.Background(), []schema.Node{node("a", "echo", nil)}, nil, ExecuteOptions{})
	require.NoError(t, err)
	require.NotNil(t, o.ExecutionGraph())
	assert.Equal(t, schema.NodeStatusSuccess, o.NodeStatus("a"))

	require.NoError(t, o.Reset())
	events := rec.Events()
	last := events[len(events)-1]
	assert.Equal(t, schema.EventWorkflowReset, last.Type)
	assert.Equal(t, ran.RunID, last.RunID)
	assert.Equal(t, string(schema.WorkflowStatusIdle), last.Status)
	assert.Greater(t, last.Seq, events[len(events)-2].Seq)

	st := o.State()
	assert.Equal(t, schema.WorkflowStatusIdle, st.Status)
	assert.Empty(t, st.Nodes)
	assert.Empty(t, st.RunID)
	assert.Equal(t, schema.NodeStatusIdle, o.NodeStatus("a"))
	assert.Nil(t, o.ExecutionGraph())
	_, ok := o.NodeData("a")
	assert.False(t, ok)
}

func TestOrchestrator_StateIsACopy(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)
	_, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "source", map[string]any{"value": map[string]any{"k": "v"}})}, nil, ExecuteOptions{})
	require.NoError(t, err)

	st := o.State()
	st.Status = schema.WorkflowStatusError
	st.Nodes["a"].Output.(map[string]any)["k"] = "mutated"

	fresh := o.State()
	assert.Equal(t, schema.WorkflowStatusSuccess, fresh.Status)
	assert.Equal(t, map[string]any{"k": "v"}, fresh.Nodes["a"].Output)
}

func TestOrchestrator_SequentialPoolFollowsTopologicalOrder(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, 1)

	_, err := o.Execute(context.Background(),
		[]schema.Node{node("d", "echo", nil), node("c", "echo", nil), node("b", "echo", nil), node("a", "echo", nil)},
		[]schema.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
		ExecuteOptions{})
	require.NoError(t, err)

	var starts []string
	for _, ev := range rec.Events() {
		if ev.Type == schema.EventNodeStart {
			starts = append(starts, ev.NodeID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, starts)
	assert.Equal(t, []string{"a", "b", "c", "d"}, o.ExecutionGraph().Order())
}

func TestOrchestrator_ParallelPoolRespectsDependencies(t *testing.T) {
	o, reg, rec := newTestOrchestrator(t, 2)

	var current, peak atomic.Int32
	require.NoError(t, reg.RegisterFunc("work", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		current.Add(-1)
		return nodes.Ok(ec.Node.ID), nil
	}))

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "echo", nil), node("b", "work", nil), node("c", "work", nil), node("d", "echo", nil)},
		[]schema.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
		ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, st.Status)
	assert.Equal(t, int32(2), peak.Load())

	_, startD, _ := rec.find(schema.EventNodeStart, "d")
	_, doneB, _ := rec.find(schema.EventNodeComplete, "b")
	_, doneC, _ := rec.find(schema.EventNodeComplete, "c")
	assert.Less(t, doneB, startD)
	assert.Less(t, doneC, startD)

	d := nodeState(t, st, "d").Output.(map[string]any)
	assert.Equal(t, map[string]any{"b": "b", "c": "c"}, d["upstream"])
}

func TestOrchestrator_SetEventListenerReplaces(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	first, second := &eventRecorder{}, &eventRecorder{}
	o.SetEventListener(first.record)
	o.SetEventListener(second.record)

	_, err := o.Execute(context.Background(), []schema.Node{node("a", "echo", nil)}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Empty(t, first.Events())
	assert.Len(t, second.Events(), 4)

	o.SetEventListener(nil)
	_, err = o.Execute(context.Background(), []schema.Node{node("a", "echo", nil)}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Len(t, second.Events(), 4)
}

func TestOrchestrator_ListenerSeesCommittedState(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	var mismatches atomic.Int32
	o.SetEventListener(func(ev schema.ExecutionEvent) {
		if ev.NodeID == "" || ev.Type == schema.EventNodeData {
			return
		}
		if string(o.NodeStatus(ev.NodeID)) != ev.Status {
			mismatches.Add(1)
		}
	})

	_, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "echo", nil), node("b", "fail", nil), node("c", "echo", nil)},
		[]schema.Edge{edge("a", "b"), edge("b", "c")},
		ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), mismatches.Load())
}

func TestOrchestrator_SeqIncreasesAcrossRuns(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, 1)
	for i := 0; i < 2; i++ {
		_, err := o.Execute(context.Background(), []schema.Node{node("a", "echo", nil)}, nil, ExecuteOptions{})
		require.NoError(t, err)
	}
	events := rec.Events()
	require.Len(t, events, 8)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
	assert.NotEqual(t, events[0].RunID, events[4].RunID)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "", errorMessage(nil))
	assert.Equal(t, "bad", errorMessage(schema.NewError(schema.ErrCodeExecutor, "bad").WithNode("n")))
	assert.Equal(t, "plain", errorMessage(errors.New("plain")))
}

func TestHandleActive(t *testing.T) {
	assert.True(t, handleActive(nil, "anything"))
	assert.True(t, handleActive([]string{"default"}, ""))
	assert.True(t, handleActive([]string{""}, "default"))
	assert.True(t, handleActive([]string{"true"}, "true"))
	assert.False(t, handleActive([]string{"true"}, "false"))
	assert.False(t, handleActive([]string{}, "true"))
}

func TestOrchestrator_ResolvesDataTemplates(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 2)
	require.NoError(t, reg.RegisterFunc("data", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		return nodes.Ok(ec.Node.Data), nil
	}))

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			node("scan", "source", map[string]any{"value": map[string]any{"url": "https://models.example.com/tower.glb", "levels": 3.0}}),
			node("mid", "echo", nil),
			node("load", "data", map[string]any{
				"source": "${{nodes.scan.output.url}}",
				"levels": "${{ nodes.scan.output.levels }}",
				"label":  "run ${{run.id}} at ${{trigger.site}}",
			}),
		},
		[]schema.Edge{edge("scan", "mid"), edge("mid", "load")},
		ExecuteOptions{Trigger: map[string]any{"site": "north-yard"}})
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusSuccess, st.Status)

	out := nodeState(t, st, "load").Output.(map[string]any)
	assert.Equal(t, "https://models.example.com/tower.glb", out["source"])
	assert.Equal(t, 3.0, out["levels"])
	assert.Equal(t, "run "+st.RunID+" at north-yard", out["label"])

	data, ok := o.NodeData("load")
	require.True(t, ok)
	assert.Equal(t, "${{nodes.scan.output.url}}", data["source"], "stored data keeps the template")
}

func TestOrchestrator_TemplateErrorFailsNode(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			node("a", "source", map[string]any{"value": 1}),
			node("side", "source", map[string]any{"value": 2}),
			node("b", "source", map[string]any{"value": "${{nodes.side.output}}"}),
		},
		[]schema.Edge{edge("a", "b")},
		ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusError, st.Status)

	b := nodeState(t, st, "b")
	assert.Equal(t, schema.NodeStatusError, b.Status)
	assert.Contains(t, b.Error, `node "side" has no output upstream of this node`)
}

type staticSecrets map[string]string

func (s staticSecrets) Resolve(_ context.Context, key string) ([]byte, error) {
	v, ok := s[key]
	if !ok {
		return nil, errors.New("no such secret")
	}
	return []byte(v), nil
}

func TestOrchestrator_ResolvesSecrets(t *testing.T) {
	reg := nodes.NewRegistry()
	require.NoError(t, reg.RegisterFunc("data", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		return nodes.Ok(ec.Node.Data["auth"]), nil
	}))
	o := NewOrchestrator(reg, nil, ExecutorConfig{
		Logger:  logging.Discard(),
		Secrets: staticSecrets{"BIM_API_TOKEN": "tok-123"},
	})
	t.Cleanup(o.Close)

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("fetch", "data", map[string]any{"auth": "Bearer ${{secrets.BIM_API_TOKEN}}"})},
		nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusSuccess, st.Status)
	assert.Equal(t, "Bearer tok-123", nodeState(t, st, "fetch").Output)
}

func TestOrchestrator_StopAtRunStartIsKept(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	accepted := false
	o.wfFSM.OnBefore(schema.WorkflowStatusIdle, schema.WorkflowStatusRunning, func(_, _ string) error {
		accepted = o.Stop()
		return nil
	})

	st, err := o.Execute(context.Background(),
		[]schema.Node{node("a", "echo", nil), node("b", "echo", nil)},
		[]schema.Edge{edge("a", "b")},
		ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, accepted)

	assert.True(t, st.Stopped)
	for _, id := range []string{"a", "b"} {
		assert.Equal(t, schema.SkipStopped, nodeState(t, st, id).SkipReason, id)
	}
}

func TestOrchestrator_StopDuringResetDoesNotLeak(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)

	var accepted atomic.Bool
	remove := o.Hub().AddListener(func(ev schema.ExecutionEvent) {
		if ev.Type == schema.EventWorkflowReset {
			accepted.Store(o.Stop())
		}
	})
	require.NoError(t, o.Reset())
	remove()
	require.True(t, accepted.Load(), "reset holds the run slot")

	st, err := o.Execute(context.Background(), []schema.Node{node("a", "echo", nil)}, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.False(t, st.Stopped)
	assert.Equal(t, schema.NodeStatusSuccess, nodeState(t, st, "a").Status)
}

func TestOrchestrator_StartClaimsSynchronously(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, 1)

	release := make(chan struct{})
	require.NoError(t, reg.RegisterFunc("block", func(_ context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		<-release
		return nodes.Ok("done"), nil
	}))

	type outcome struct {
		st      *schema.WorkflowExecutionState
		err     error
		running bool
	}
	done := make(chan outcome, 1)
	err := o.Start(context.Background(), []schema.Node{node("a", "block", nil)}, nil, ExecuteOptions{},
		func(st *schema.WorkflowExecutionState, err error) {
			done <- outcome{st, err, o.IsRunning()}
		})
	require.NoError(t, err)
	assert.True(t, o.IsRunning(), "claimed before Start returns")

	err = o.Start(context.Background(), []schema.Node{node("x", "echo", nil)}, nil, ExecuteOptions{}, nil)
	assert.True(t, errors.Is(err, schema.ErrAlreadyRunning))
	_, err = o.Execute(context.Background(), []schema.Node{node("x", "echo", nil)}, nil, ExecuteOptions{})
	assert.True(t, errors.Is(err, schema.ErrAlreadyRunning))

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.running, "released before done runs")
	assert.Equal(t, schema.WorkflowStatusSuccess, res.st.Status)
	assert.Equal(t, "done", nodeState(t, res.st, "a").Output)
}
