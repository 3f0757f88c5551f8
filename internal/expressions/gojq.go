package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// GoJQEngine implements Engine using GoJQ. It backs the transform node:
// filtering, reshaping and aggregating upstream outputs.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq query with data as the input object.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	return e.Query(ctx, expression, data)
}

// Query runs a jq query over an arbitrary JSON-like input. Go integer types
// are normalized to float64 first, matching jq's number model.
//
// A query producing exactly one output returns it directly; several outputs
// are collected into []any; none yields nil.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	results, err := e.QueryAll(ctx, expression, input)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// QueryAll is like Query but always returns every output.
func (e *GoJQEngine) QueryAll(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			if halt, ok := err.(*gojq.HaltError); ok && halt.Value() == nil {
				break
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecutor,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go native types to jq-compatible types.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
