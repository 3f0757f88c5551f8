package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"
)

const (
	TypeNumberInput = "numberInput"
	TypeTextInput   = "textInput"
)

// NumberInputNode emits a constant number configured in the editor.
type NumberInputNode struct{}

func (NumberInputNode) Type() string { return TypeNumberInput }

func (NumberInputNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Outputs {value: number} from data.value, clamped to data.min/data.max when set.",
		DataSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "value": {"type": ["number", "string", "null"]},
    "min": {"type": "number"},
    "max": {"type": "number"}
  }
}`),
	}
}

func (NumberInputNode) Execute(_ context.Context, ec *ExecutionContext) (*Result, error) {
	raw, ok := ec.Node.Data["value"]
	if !ok || raw == nil || raw == "" {
		return Ok(map[string]any{"value": float64(0)}), nil
	}
	v, err := cast.ToFloat64E(raw)
	if err != nil {
		return Fail(fmt.Sprintf("numberInput: value %v is not a number", raw)), nil
	}
	if minV, ok := ec.Node.Data["min"]; ok {
		if m, err := cast.ToFloat64E(minV); err == nil && v < m {
			v = m
		}
	}
	if maxV, ok := ec.Node.Data["max"]; ok {
		if m, err := cast.ToFloat64E(maxV); err == nil && v > m {
			v = m
		}
	}
	return Ok(map[string]any{"value": v}), nil
}

// TextInputNode emits a constant string configured in the editor.
type TextInputNode struct{}

func (TextInputNode) Type() string { return TypeTextInput }

func (TextInputNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Outputs {value: string} from data.value.",
		DataSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "value": {}
  }
}`),
	}
}

func (TextInputNode) Execute(_ context.Context, ec *ExecutionContext) (*Result, error) {
	return Ok(map[string]any{"value": stringParam(ec.Node.Data, "value", "")}), nil
}
