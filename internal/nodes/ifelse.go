package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/flowcanvas/internal/expressions"
	"github.com/rendis/flowcanvas/pkg/schema"
	"github.com/spf13/cast"
)

const (
	TypeIfElse = "ifElse"

	HandleTrue  = "true"
	HandleFalse = "false"
)

// Operators understood by the if/else node.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpContains     = "contains"
	OpIsEmpty      = "isEmpty"
	OpIsNotEmpty   = "isNotEmpty"
)

const ifElseDataSchema = `{
  "type": "object",
  "properties": {
    "operator": {"type": "string", "enum": ["==", "!=", ">", ">=", "<", "<=", "contains", "isEmpty", "isNotEmpty"]},
    "compareValue": {},
    "value": {},
    "field": {"type": "string"},
    "expression": {"type": "string"}
  }
}`

// IfElseNode routes the run down its "true" or "false" handle.
//
// With data.expression set, the CEL expression decides. Otherwise the left
// operand is data.value when present, else the default input; a map operand
// contributes its data.field entry (default "value"). It is compared to
// data.compareValue with data.operator (default "==").
type IfElseNode struct {
	cel *expressions.CELEngine
}

// NewIfElseNode creates an if/else executor using the given CEL engine.
func NewIfElseNode(cel *expressions.CELEngine) *IfElseNode {
	return &IfElseNode{cel: cel}
}

func (n *IfElseNode) Type() string { return TypeIfElse }

func (n *IfElseNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Compares a value or evaluates a CEL condition and activates the true or false handle.",
		DataSchema:  json.RawMessage(ifElseDataSchema),
		Handles:     []string{HandleTrue, HandleFalse},
	}
}

func (n *IfElseNode) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	data := ec.Node.Data

	if expr := stringParam(data, "expression", ""); expr != "" {
		if n.cel == nil {
			return nil, schema.NewError(schema.ErrCodeExecutor, "ifElse: no CEL engine configured")
		}
		ok, err := n.cel.EvaluateBool(ctx, expr, map[string]any{
			"input":    ec.Input(),
			"inputs":   ec.Inputs,
			"data":     data,
			"upstream": ec.Upstream,
		})
		if err != nil {
			return nil, err
		}
		return branchResult(ok, ec.Input()), nil
	}

	left := ec.Input()
	if v, ok := data["value"]; ok {
		left = v
	}
	if m, ok := left.(map[string]any); ok {
		field := stringParam(data, "field", "value")
		if v, ok := m[field]; ok {
			left = v
		}
	}

	op := stringParam(data, "operator", OpEqual)
	ok, err := Compare(op, left, data["compareValue"])
	if err != nil {
		return Fail(err.Error()), nil
	}
	return branchResult(ok, left), nil
}

func branchResult(ok bool, value any) *Result {
	handle := HandleFalse
	if ok {
		handle = HandleTrue
	}
	return Branch(map[string]any{"result": ok, "value": schema.CloneValue(value)}, handle)
}

// Compare applies op to left and right. Numeric operands (including numeric
// strings) compare as numbers; everything else compares as strings.
func Compare(op string, left, right any) (bool, error) {
	switch op {
	case OpIsEmpty:
		return isEmpty(left), nil
	case OpIsNotEmpty:
		return !isEmpty(left), nil
	case OpContains:
		return contains(left, right), nil
	}

	lf, lerr := cast.ToFloat64E(left)
	rf, rerr := cast.ToFloat64E(right)
	numeric := lerr == nil && rerr == nil && isNumberLike(left) && isNumberLike(right)

	switch op {
	case OpEqual, OpNotEqual:
		var eq bool
		if numeric {
			eq = lf == rf
		} else {
			eq = looseEqual(left, right)
		}
		if op == OpNotEqual {
			return !eq, nil
		}
		return eq, nil
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		if numeric {
			return compareOrdered(op, lf, rf), nil
		}
		ls, err1 := cast.ToStringE(left)
		rs, err2 := cast.ToStringE(right)
		if err1 != nil || err2 != nil {
			return false, fmt.Errorf("ifElse: cannot order %T and %T", left, right)
		}
		return compareOrdered(op, ls, rs), nil
	default:
		return false, fmt.Errorf("ifElse: unknown operator %q", op)
	}
}

func compareOrdered[T float64 | string](op string, l, r T) bool {
	switch op {
	case OpGreater:
		return l > r
	case OpGreaterEqual:
		return l >= r
	case OpLess:
		return l < r
	default:
		return l <= r
	}
}

// isNumberLike excludes booleans and nil, which cast would turn into 0/1.
func isNumberLike(v any) bool {
	switch v.(type) {
	case nil, bool:
		return false
	case string:
		_, err := cast.ToFloat64E(strings.TrimSpace(v.(string)))
		return err == nil && strings.TrimSpace(v.(string)) != ""
	}
	return true
}

func looseEqual(left, right any) bool {
	if reflect.DeepEqual(left, right) {
		return true
	}
	if left == nil || right == nil {
		return false
	}
	ls, err1 := cast.ToStringE(left)
	rs, err2 := cast.ToStringE(right)
	return err1 == nil && err2 == nil && ls == rs
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, cast.ToString(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		n := cast.ToString(needle)
		for _, item := range h {
			if item == n {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[cast.ToString(needle)]
		return ok
	}
	return false
}
