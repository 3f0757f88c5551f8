package expressions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// FailError is raised by the fail(msg) builtin inside a script.
type FailError struct {
	Message string
}

func (e *FailError) Error() string {
	return e.Message
}

// ExprEngine implements Engine with expr-lang/expr. It backs the script node:
// let bindings, array operations (filter, map, count, any, all, sum),
// nil coalescing (??), optional chaining (?.) and pipes are available, plus
// a fail(msg) builtin that aborts the script with msg.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it with
// data as the environment, so every key is a top-level variable.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		var fail *FailError
		if errors.As(err, &fail) {
			return nil, schema.NewError(schema.ErrCodeExecutor, fail.Message).WithCause(fail)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
// Variables are resolved at run time, so one program serves any input shape.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.Function("fail", failBuiltin, new(func(any) any)),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

func failBuiltin(params ...any) (any, error) {
	msg := "script failed"
	if len(params) > 0 && params[0] != nil {
		msg = fmt.Sprint(params[0])
	}
	return nil, &FailError{Message: msg}
}

var _ Engine = (*ExprEngine)(nil)
