package expressions

import (
	"context"
	"sort"

	"github.com/rendis/flowcanvas/pkg/schema"
)

// Namespaces a ${{...}} reference can start with.
const (
	NamespaceNodes   = "nodes"
	NamespaceInputs  = "inputs"
	NamespaceTrigger = "trigger"
	NamespaceRun     = "run"
	NamespaceSecrets = "secrets"
)

// SecretResolver returns the plaintext of a named secret. Satisfied by
// secrets.Vault.
type SecretResolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Scope holds every value a node's data templates can reference:
//
//	${{nodes.<id>.output[.<field>...]}}  output of a completed ancestor
//	${{inputs.<handle>[.<field>...]}}   resolved input on a target handle
//	${{trigger.<field>...}}             run trigger payload
//	${{run.id}}                         run metadata
//	${{secrets.<KEY>}}                  vault entry, read on use
//
// Values are frozen on insert so a resolved template never aliases executor
// state.
type Scope struct {
	Nodes   map[string]any
	Inputs  map[string]any
	Trigger map[string]any
	Run     map[string]any
	Secrets SecretResolver
}

// NewScope creates a Scope for one node invocation of run runID.
func NewScope(runID string, trigger map[string]any) *Scope {
	return &Scope{
		Nodes:   make(map[string]any),
		Inputs:  make(map[string]any),
		Trigger: schema.CloneMap(trigger),
		Run:     map[string]any{"id": runID},
	}
}

// SetNodeOutput records the output of a completed node.
func (s *Scope) SetNodeOutput(nodeID string, output any) {
	s.Nodes[nodeID] = schema.CloneValue(output)
}

// SetInputs replaces the inputs keyed by target handle.
func (s *Scope) SetInputs(inputs map[string]any) {
	s.Inputs = schema.CloneMap(inputs)
	if s.Inputs == nil {
		s.Inputs = make(map[string]any)
	}
}

// nodeIDs returns the recorded node IDs, sorted.
func (s *Scope) nodeIDs() []string {
	return sortedKeys(s.Nodes)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
