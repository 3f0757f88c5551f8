package nodes

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// NodeExecutor runs one node type. Implementations must be safe for
// concurrent use: the orchestrator may run independent nodes in parallel.
type NodeExecutor interface {
	Type() string
	Schema() ExecutorSchema
	Execute(ctx context.Context, ec *ExecutionContext) (*Result, error)
}

// ExecutorSchema describes the data contract of a node type.
type ExecutorSchema struct {
	Description string `json:"description,omitempty"`

	// DataSchema is a JSON Schema the node's data must satisfy before the
	// executor is invoked. Empty means no validation.
	DataSchema json.RawMessage `json:"dataSchema,omitempty"`

	// Trigger marks node types that start a workflow and take no inputs.
	Trigger bool `json:"trigger,omitempty"`

	// Handles lists the named output handles; nil means the single default handle.
	Handles []string `json:"handles,omitempty"`
}

// ExecutorInfo is a summary of a registered executor for listing.
type ExecutorInfo struct {
	Type   string         `json:"type"`
	Schema ExecutorSchema `json:"schema"`
}

// Result is what an executor reports back for one invocation.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`

	// ActiveHandles, when non-nil, restricts which output handles are live
	// for this run. Edges leaving any other handle are pruned.
	ActiveHandles []string `json:"activeHandles,omitempty"`
}

// Ok returns a successful result.
func Ok(output any) *Result {
	return &Result{Success: true, Output: output}
}

// Fail returns a failed result carrying msg.
func Fail(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

// Branch returns a successful result that keeps only the given handles live.
func Branch(output any, handles ...string) *Result {
	if handles == nil {
		handles = []string{}
	}
	return &Result{Success: true, Output: output, ActiveHandles: handles}
}

// DataUpdater persists UI-visible node data on behalf of an executor.
type DataUpdater interface {
	UpdateNodeData(nodeID string, partial map[string]any) error
}

// ExecutionContext is everything an executor sees for one invocation.
type ExecutionContext struct {
	RunID string
	Node  schema.Node

	// Inputs holds the resolved upstream outputs keyed by target handle.
	// An edge without a target handle lands under schema.DefaultHandle.
	// Several edges into one handle yield a []any in edge order.
	Inputs map[string]any

	// Upstream holds the same outputs keyed by source node ID.
	Upstream map[string]any

	// Trigger is the payload the run was started with, if any.
	Trigger map[string]any

	Attempt int
	Logger  *slog.Logger
	Updater DataUpdater
}

// Input returns the default input, or the only input when the node has a
// single connected handle.
func (c *ExecutionContext) Input() any {
	if v, ok := c.Inputs[schema.DefaultHandle]; ok {
		return v
	}
	if len(c.Inputs) == 1 {
		for _, v := range c.Inputs {
			return v
		}
	}
	return nil
}

// InputKeys returns the connected input handles, sorted.
func (c *ExecutionContext) InputKeys() []string {
	keys := make([]string, 0, len(c.Inputs))
	for k := range c.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UpdateNodeData merges partial into the stored data of nodeID. Without an
// updater the call is a no-op.
func (c *ExecutionContext) UpdateNodeData(nodeID string, partial map[string]any) error {
	if c.Updater == nil {
		return nil
	}
	return c.Updater.UpdateNodeData(nodeID, partial)
}

// Log returns the invocation logger, never nil.
func (c *ExecutionContext) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// ExecuteFunc is the signature of a plain-function executor.
type ExecuteFunc func(ctx context.Context, ec *ExecutionContext) (*Result, error)

type funcExecutor struct {
	nodeType string
	schema   ExecutorSchema
	fn       ExecuteFunc
}

// Func adapts a plain function into a NodeExecutor.
func Func(nodeType string, fn ExecuteFunc) NodeExecutor {
	return &funcExecutor{nodeType: nodeType, fn: fn}
}

// FuncWithSchema is Func with a declared data contract.
func FuncWithSchema(nodeType string, s ExecutorSchema, fn ExecuteFunc) NodeExecutor {
	return &funcExecutor{nodeType: nodeType, schema: s, fn: fn}
}

func (f *funcExecutor) Type() string           { return f.nodeType }
func (f *funcExecutor) Schema() ExecutorSchema { return f.schema }

func (f *funcExecutor) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	return f.fn(ctx, ec)
}
