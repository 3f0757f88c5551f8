package nodes

import (
	"sort"
	"sync"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// Registry maps node types to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]NodeExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]NodeExecutor),
	}
}

// Register adds an executor. Registering a type again replaces the previous
// executor.
func (r *Registry) Register(exec NodeExecutor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	nodeType := exec.Type()
	if nodeType == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = exec
	return nil
}

// RegisterFunc registers a plain function for nodeType.
func (r *Registry) RegisterFunc(nodeType string, fn ExecuteFunc) error {
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor func is nil")
	}
	return r.Register(Func(nodeType, fn))
}

// Resolve returns the executor for nodeType or a LOOKUP_ERROR.
func (r *Registry) Resolve(nodeType string) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeLookup, "no executor registered for type %s", nodeType).
			WithDetails(map[string]any{"type": nodeType})
	}
	return exec, nil
}

// Has reports whether nodeType has an executor.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[nodeType]
	return ok
}

// Describe returns the schema nodeType declares.
func (r *Registry) Describe(nodeType string) (ExecutorSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[nodeType]
	if !ok {
		return ExecutorSchema{}, false
	}
	return exec.Schema(), true
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// List returns info for all registered executors, sorted by type.
func (r *Registry) List() []ExecutorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ExecutorInfo, 0, len(r.executors))
	for t, exec := range r.executors {
		infos = append(infos, ExecutorInfo{Type: t, Schema: exec.Schema()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Missing returns the distinct node types in nodes that have no executor, sorted.
func (r *Registry) Missing(nodes []schema.Node) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	missing := make([]string, 0)
	for _, n := range nodes {
		if _, ok := r.executors[n.Type]; ok || seen[n.Type] {
			continue
		}
		seen[n.Type] = true
		missing = append(missing, n.Type)
	}
	sort.Strings(missing)
	return missing
}
