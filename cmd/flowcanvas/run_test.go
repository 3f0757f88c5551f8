package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcanvas/internal/logging"
	"github.com/rendis/flowcanvas/pkg/schema"
)

const branchWorkflow = `{
  "nodes": [
    {"id": "depth", "type": "numberInput", "data": {"value": 12}},
    {"id": "check", "type": "ifElse", "data": {"field": "value", "operator": ">", "compareValue": 10}},
    {"id": "deep", "type": "output"},
    {"id": "shallow", "type": "output"}
  ],
  "edges": [
    {"id": "e1", "source": "depth", "target": "check"},
    {"id": "e2", "source": "check", "sourceHandle": "true", "target": "deep"},
    {"id": "e3", "source": "check", "sourceHandle": "false", "target": "shallow"}
  ]
}`

func writeWorkflow(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestExecuteFileJSON(t *testing.T) {
	var out bytes.Buffer
	st, err := executeFile(context.Background(), defaultConfig(), logging.Discard(),
		writeWorkflow(t, branchWorkflow), runOptions{}, &out)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusSuccess, st.Status)
	assert.Equal(t, schema.NodeStatusSuccess, st.Nodes["deep"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, st.Nodes["shallow"].Status)
	assert.Equal(t, schema.SkipInactiveBranch, st.Nodes["shallow"].SkipReason)

	var printed schema.WorkflowExecutionState
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, st.RunID, printed.RunID)
}

func TestExecuteFileDiagram(t *testing.T) {
	path := writeWorkflow(t, branchWorkflow)

	var ascii bytes.Buffer
	_, err := executeFile(context.Background(), defaultConfig(), logging.Discard(), path, runOptions{Format: "ascii"}, &ascii)
	require.NoError(t, err)
	assert.Contains(t, ascii.String(), "[OK]")
	assert.Contains(t, ascii.String(), "[SKIP]")

	var mermaid bytes.Buffer
	_, err = executeFile(context.Background(), defaultConfig(), logging.Discard(), path, runOptions{Format: "mermaid"}, &mermaid)
	require.NoError(t, err)
	assert.Contains(t, mermaid.String(), "graph TD")
}

func TestExecuteFileStartNode(t *testing.T) {
	var out bytes.Buffer
	st, err := executeFile(context.Background(), defaultConfig(), logging.Discard(),
		writeWorkflow(t, branchWorkflow), runOptions{StartNodeID: "deep"}, &out)
	require.NoError(t, err)
	assert.Len(t, st.Nodes, 1)
	assert.Equal(t, schema.NodeStatusSuccess, st.Nodes["deep"].Status)
}

func TestExecuteFileGraphError(t *testing.T) {
	var out bytes.Buffer
	st, err := executeFile(context.Background(), defaultConfig(), logging.Discard(),
		writeWorkflow(t, `{"nodes": [], "edges": []}`), runOptions{}, &out)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	require.NotNil(t, st)
	assert.Equal(t, schema.WorkflowStatusError, st.Status)
	assert.NotEmpty(t, out.String(), "state is still printed")
}

func TestExecuteFileErrors(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer

	_, err := executeFile(ctx, defaultConfig(), logging.Discard(), filepath.Join(t.TempDir(), "nope.json"), runOptions{}, &out)
	assert.ErrorContains(t, err, "read workflow")

	_, err = executeFile(ctx, defaultConfig(), logging.Discard(), writeWorkflow(t, "{"), runOptions{}, &out)
	assert.ErrorContains(t, err, "parse workflow")

	_, err = executeFile(ctx, defaultConfig(), logging.Discard(), writeWorkflow(t, branchWorkflow), runOptions{Format: "yaml"}, &out)
	assert.ErrorContains(t, err, "unknown format")
}

func TestRunUsage(t *testing.T) {
	assert.Equal(t, 2, runRun(nil))
	assert.Equal(t, 2, runRun([]string{"-trigger", "{bad", "wf.json"}))
}

func TestExampleWorkflows(t *testing.T) {
	ctx := context.Background()

	t.Run("tower height", func(t *testing.T) {
		var out bytes.Buffer
		st, err := executeFile(ctx, defaultConfig(), logging.Discard(), filepath.Join("..", "..", "examples", "tower-height.json"),
			runOptions{Trigger: map[string]any{"site": "north-yard", "floors": 14.0}}, &out)
		require.NoError(t, err)
		require.Equal(t, schema.WorkflowStatusSuccess, st.Status, out.String())
		assert.Equal(t, 49.0, st.Nodes["highRise"].Output)
		assert.Equal(t, schema.SkipInactiveBranch, st.Nodes["label"].SkipReason)
	})

	t.Run("tower height low rise", func(t *testing.T) {
		var out bytes.Buffer
		st, err := executeFile(ctx, defaultConfig(), logging.Discard(), filepath.Join("..", "..", "examples", "tower-height.json"),
			runOptions{Trigger: map[string]any{"site": "north-yard", "floors": 4.0}}, &out)
		require.NoError(t, err)
		require.Equal(t, schema.WorkflowStatusSuccess, st.Status, out.String())
		assert.Equal(t, map[string]any{"value": "low-rise block at north-yard"}, st.Nodes["lowRise"].Output)
	})

	t.Run("model levels", func(t *testing.T) {
		var out bytes.Buffer
		st, err := executeFile(ctx, defaultConfig(), logging.Discard(), filepath.Join("..", "..", "examples", "model-levels.json"),
			runOptions{}, &out)
		require.NoError(t, err)
		require.Equal(t, schema.WorkflowStatusSuccess, st.Status, out.String())
		assert.Equal(t, []any{"L2", "L3"}, st.Nodes["levels"].Output)
		assert.EqualValues(t, 2, st.Nodes["summary"].Output)
	})
}

func TestExecuteFileResolvesEnvSecrets(t *testing.T) {
	t.Setenv("FLOWCANVAS_SECRET_SITE_KEY", "k-1")
	wf := `{"nodes": [{"id": "key", "type": "textInput", "data": {"value": "key=${{secrets.SITE_KEY}}"}}]}`

	var out bytes.Buffer
	st, err := executeFile(context.Background(), defaultConfig(), logging.Discard(), writeWorkflow(t, wf), runOptions{}, &out)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusSuccess, st.Status)
	assert.Equal(t, map[string]any{"value": "key=k-1"}, st.Nodes["key"].Output)
}
