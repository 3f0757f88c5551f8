package validation

import (
	"errors"

	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// TypeLookup describes registered node types. Satisfied by *nodes.Registry.
type TypeLookup interface {
	Describe(nodeType string) (nodes.ExecutorSchema, bool)
}

// WorkflowValidator runs the pre-flight checks on a workflow document and
// reports every issue instead of stopping at the first:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, node types, node data, edge references, handles)
// 3. DAG (cycles, isolated nodes)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	types      TypeLookup
}

// NewWorkflowValidator creates a WorkflowValidator. types may be nil to skip
// node type and node data checks.
func NewWorkflowValidator(types TypeLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, types: types}, nil
}

// ValidateDocument checks a raw document. Structural errors short-circuit:
// the decoded workflow is nil and the other stages are skipped.
func (wv *WorkflowValidator) ValidateDocument(doc []byte) (*schema.Workflow, *schema.ValidationResult) {
	wf, err := wv.jsonSchema.DecodeWorkflow(doc)
	if err != nil {
		return nil, structuralResult(err)
	}
	return wf, wv.Validate(wf)
}

// Validate runs the semantic and DAG stages on a decoded workflow.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil || len(wf.Nodes) == 0 {
		r := &schema.ValidationResult{}
		r.AddError("nodes", schema.ErrCodeValidation, "workflow has no nodes")
		return r
	}

	result := validateSemantic(wf, wv.types, wv.jsonSchema)
	result.Merge(validateDAG(wf))
	return result
}

// structuralResult converts a DecodeWorkflow error into a ValidationResult,
// one issue per schema violation.
func structuralResult(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
