package validation

import "github.com/rendis/flowcanvas/pkg/schema"

// Validator checks workflow documents and node data before execution.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	DecodeWorkflow(doc []byte) (*schema.Workflow, error)
	ValidateNodeData(node schema.Node, dataSchema []byte) error
}
