package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/internal/logging"
	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/internal/streaming"
	"github.com/rendis/flowcanvas/pkg/schema"
)

func setup(t *testing.T) (*engine.Orchestrator, *Projection) {
	t.Helper()
	reg := nodes.NewRegistry()
	require.NoError(t, reg.RegisterFunc("emit", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		return nodes.Ok(ec.Node.Data["value"]), nil
	}))
	require.NoError(t, reg.RegisterFunc("fail", func(_ context.Context, _ *nodes.ExecutionContext) (*nodes.Result, error) {
		return nodes.Fail("boom"), nil
	}))
	require.NoError(t, reg.RegisterFunc("annotate", func(_ context.Context, ec *nodes.ExecutionContext) (*nodes.Result, error) {
		if err := ec.UpdateNodeData(ec.Node.ID, map[string]any{"modelId": "m-1"}); err != nil {
			return nil, err
		}
		return nodes.Ok(nil), nil
	}))

	hub := streaming.NewMemoryHub()
	o := engine.NewOrchestrator(reg, hub, engine.ExecutorConfig{Logger: logging.Discard()})
	t.Cleanup(o.Close)

	p := New(hub)
	t.Cleanup(p.Close)
	return o, p
}

func TestProjection_MatchesOrchestratorState(t *testing.T) {
	o, p := setup(t)

	st, err := o.Execute(context.Background(),
		[]schema.Node{
			{ID: "a", Type: "emit", Data: map[string]any{"value": 7}},
			{ID: "b", Type: "fail"},
			{ID: "c", Type: "emit"},
			{ID: "d", Type: "emit"},
		},
		[]schema.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "c"},
			{ID: "e3", Source: "a", Target: "d"},
		},
		engine.ExecuteOptions{})
	require.NoError(t, err)

	snap := p.Snapshot()
	assert.Equal(t, st.RunID, snap.RunID)
	assert.Equal(t, schema.WorkflowStatusError, snap.Status)
	assert.Equal(t, st.Error, snap.Error)
	assert.Empty(t, snap.CurrentNodeID)
	require.NotNil(t, snap.StartTime)
	require.NotNil(t, snap.EndTime)

	for id, ns := range st.Nodes {
		assert.Equal(t, ns.Status, p.NodeStatus(id), "node %s", id)
	}
	assert.Equal(t, 7, snap.Nodes["a"].Output)
	assert.Equal(t, "boom", snap.Nodes["b"].Error)
	assert.Equal(t, schema.SkipUpstreamFailed, snap.Nodes["c"].SkipReason)
	assert.Equal(t, schema.NodeStatusSuccess, p.NodeStatus("d"))
}

func TestProjection_UnknownNodeIsIdle(t *testing.T) {
	_, p := setup(t)
	assert.Equal(t, schema.NodeStatusIdle, p.NodeStatus("nope"))
	assert.Equal(t, schema.WorkflowStatusIdle, p.Snapshot().Status)
}

func TestProjection_NodeData(t *testing.T) {
	o, p := setup(t)

	_, err := o.Execute(context.Background(),
		[]schema.Node{{ID: "load", Type: "annotate", Data: map[string]any{"url": "x.glb"}}},
		nil, engine.ExecuteOptions{})
	require.NoError(t, err)

	data, ok := p.NodeData("load")
	require.True(t, ok)
	assert.Equal(t, "m-1", data["modelId"])
	assert.Equal(t, "x.glb", data["url"])

	_, ok = p.NodeData("other")
	assert.False(t, ok)
}

func TestProjection_SnapshotIsCopy(t *testing.T) {
	o, p := setup(t)
	_, err := o.Execute(context.Background(),
		[]schema.Node{{ID: "a", Type: "emit", Data: map[string]any{"value": 1}}}, nil, engine.ExecuteOptions{})
	require.NoError(t, err)

	snap := p.Snapshot()
	snap.Nodes["a"].Status = schema.NodeStatusError
	delete(snap.Nodes, "a")

	assert.Equal(t, schema.NodeStatusSuccess, p.NodeStatus("a"))
}

func TestProjection_NewRunReplacesState(t *testing.T) {
	o, p := setup(t)
	ctx := context.Background()

	_, err := o.Execute(ctx, []schema.Node{{ID: "a", Type: "emit"}}, nil, engine.ExecuteOptions{})
	require.NoError(t, err)
	st, err := o.Execute(ctx, []schema.Node{{ID: "b", Type: "emit"}}, nil, engine.ExecuteOptions{})
	require.NoError(t, err)

	snap := p.Snapshot()
	assert.Equal(t, st.RunID, snap.RunID)
	assert.Equal(t, schema.NodeStatusIdle, p.NodeStatus("a"))
	assert.Equal(t, schema.NodeStatusSuccess, p.NodeStatus("b"))
}

func TestProjection_IgnoresStaleRunEvents(t *testing.T) {
	p := New(nil)
	now := time.Now()

	p.Apply(schema.ExecutionEvent{Type: schema.EventWorkflowStart, RunID: "r2", Timestamp: now})
	p.Apply(schema.ExecutionEvent{Type: schema.EventNodeStart, RunID: "r1", NodeID: "a", Timestamp: now})
	assert.Equal(t, schema.NodeStatusIdle, p.NodeStatus("a"))

	p.Apply(schema.ExecutionEvent{Type: schema.EventNodeStart, RunID: "r2", NodeID: "a", Timestamp: now})
	assert.Equal(t, schema.NodeStatusRunning, p.NodeStatus("a"))
	assert.Equal(t, "a", p.Snapshot().CurrentNodeID)
}

func TestProjection_GraphErrorWithoutStart(t *testing.T) {
	o, p := setup(t)

	_, err := o.Execute(context.Background(),
		[]schema.Node{{ID: "a", Type: "emit"}, {ID: "b", Type: "emit"}},
		[]schema.Edge{{ID: "e1", Source: "a", Target: "b"}, {ID: "e2", Source: "b", Target: "a"}},
		engine.ExecuteOptions{})
	require.Error(t, err)

	snap := p.Snapshot()
	assert.Equal(t, schema.WorkflowStatusError, snap.Status)
	assert.NotEmpty(t, snap.Error)
	assert.Empty(t, snap.Nodes)
}

func TestProjection_ResetAndClose(t *testing.T) {
	o, p := setup(t)
	ctx := context.Background()

	_, err := o.Execute(ctx, []schema.Node{{ID: "a", Type: "emit"}}, nil, engine.ExecuteOptions{})
	require.NoError(t, err)

	p.Reset()
	assert.Equal(t, schema.WorkflowStatusIdle, p.Snapshot().Status)
	assert.Equal(t, schema.NodeStatusIdle, p.NodeStatus("a"))

	p.Close()
	_, err = o.Execute(ctx, []schema.Node{{ID: "a", Type: "emit"}}, nil, engine.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusIdle, p.NodeStatus("a"))
}

func TestProjection_FollowsOrchestratorReset(t *testing.T) {
	o, p := setup(t)
	ctx := context.Background()

	_, err := o.Execute(ctx, []schema.Node{{ID: "a", Type: "annotate"}}, nil, engine.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.NodeStatusSuccess, p.NodeStatus("a"))
	_, ok := p.NodeData("a")
	require.True(t, ok)

	require.NoError(t, o.Reset())

	snap := p.Snapshot()
	assert.Equal(t, schema.WorkflowStatusIdle, snap.Status)
	assert.Empty(t, snap.RunID)
	assert.Empty(t, snap.Nodes)
	assert.Equal(t, schema.NodeStatusIdle, p.NodeStatus("a"))
	_, ok = p.NodeData("a")
	assert.False(t, ok)

	st, err := o.Execute(ctx, []schema.Node{{ID: "a", Type: "emit", Data: map[string]any{"value": 1}}}, nil, engine.ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, st.RunID, p.Snapshot().RunID)
	assert.Equal(t, schema.NodeStatusSuccess, p.NodeStatus("a"))
}
