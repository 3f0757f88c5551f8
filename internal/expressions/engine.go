package expressions

import "context"

// Engine evaluates user-authored expressions inside node executors.
// Three implementations: Expr (script nodes), CEL (branch conditions), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
