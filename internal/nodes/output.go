package nodes

import (
	"context"

	"github.com/rendis/flowcanvas/pkg/schema"
)

const TypeOutput = "output"

// OutputNode is a display node: it surfaces whatever reaches it so the
// panel can show the final values of a branch.
type OutputNode struct{}

func (OutputNode) Type() string { return TypeOutput }

func (OutputNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Collects its inputs as output. A single input is passed through; several are keyed by handle.",
	}
}

func (OutputNode) Execute(_ context.Context, ec *ExecutionContext) (*Result, error) {
	switch len(ec.Inputs) {
	case 0:
		return Ok(nil), nil
	case 1:
		return Ok(schema.CloneValue(ec.Input())), nil
	default:
		out := make(map[string]any, len(ec.Inputs))
		for k, v := range ec.Inputs {
			out[k] = schema.CloneValue(v)
		}
		return Ok(out), nil
	}
}
