package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// celVariables are the top-level names a branch condition can reference.
var celVariables = []string{"input", "inputs", "data", "upstream"}

// CELEngine implements Engine using Google's Common Expression Language.
// It evaluates if/else branch conditions.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment exposes:
//   - input:    dyn               the node's default input
//   - inputs:   map(string, dyn)  inputs keyed by target handle
//   - data:     map(string, dyn)  the node's own data
//   - upstream: map(string, dyn)  upstream outputs keyed by node ID
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("inputs", mapType),
		cel.Variable("data", mapType),
		cel.Variable("upstream", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates a condition and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecutor,
			"CEL condition %q returned %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation creates the evaluation activation from data.
// Missing map variables default to empty maps, input defaults to null.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		v, ok := data[key]
		switch {
		case ok:
			activation[key] = v
		case key == "input":
			activation[key] = nil
		default:
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
