package nodes

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowcanvas/internal/expressions"
	"github.com/rendis/flowcanvas/pkg/schema"
)

const (
	TypeScript    = "script"
	TypeTransform = "transform"
)

// ScriptNode evaluates data.script with expr. The script sees input, inputs,
// upstream, data and trigger; its value becomes the node output and
// fail(msg) aborts the node with msg.
type ScriptNode struct {
	engine *expressions.ExprEngine
}

// NewScriptNode creates a script executor backed by engine.
func NewScriptNode(engine *expressions.ExprEngine) *ScriptNode {
	return &ScriptNode{engine: engine}
}

func (n *ScriptNode) Type() string { return TypeScript }

func (n *ScriptNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Runs an expr script over the node inputs. fail(msg) raises an error.",
		DataSchema: json.RawMessage(`{
  "type": "object",
  "required": ["script"],
  "properties": {
    "script": {"type": "string", "minLength": 1}
  }
}`),
	}
}

func (n *ScriptNode) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	script := stringParam(ec.Node.Data, "script", "")
	out, err := n.engine.Evaluate(ctx, script, map[string]any{
		"input":    schema.CloneValue(ec.Input()),
		"inputs":   schema.CloneMap(ec.Inputs),
		"upstream": schema.CloneMap(ec.Upstream),
		"data":     schema.CloneMap(ec.Node.Data),
		"trigger":  schema.CloneMap(ec.Trigger),
	})
	if err != nil {
		return nil, err
	}
	return Ok(out), nil
}

// TransformNode reshapes its input with the jq query in data.query.
type TransformNode struct {
	engine *expressions.GoJQEngine
}

// NewTransformNode creates a transform executor backed by engine.
func NewTransformNode(engine *expressions.GoJQEngine) *TransformNode {
	return &TransformNode{engine: engine}
}

func (n *TransformNode) Type() string { return TypeTransform }

func (n *TransformNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Applies a jq query to the default input (or to all inputs when data.allInputs is set).",
		DataSchema: json.RawMessage(`{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "allInputs": {"type": "boolean"}
  }
}`),
	}
}

func (n *TransformNode) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	var input any = ec.Input()
	if boolParam(ec.Node.Data, "allInputs", false) {
		input = ec.Inputs
	}
	out, err := n.engine.Query(ctx, stringParam(ec.Node.Data, "query", ""), input)
	if err != nil {
		return nil, err
	}
	return Ok(out), nil
}
