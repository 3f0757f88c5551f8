package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/flowcanvas/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the JSON Schema for the {nodes, edges} document the
// diagram editor submits. Editor-only node fields (position, size, selection)
// are tolerated.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowcanvas.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "data": { "type": ["object", "null"] }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": ["string", "null"] },
        "targetHandle": { "type": ["string", "null"] }
      }
    }
  }
}`

const workflowSchemaURL = "https://flowcanvas.dev/schemas/workflow.json"

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled node data schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// DecodeWorkflow validates a raw workflow document and decodes it.
func (v *JSONSchemaValidator) DecodeWorkflow(doc []byte) (*schema.Workflow, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is empty")
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document is not valid JSON").WithCause(err)
	}
	if err := v.workflowSchema.Validate(inst); err != nil {
		return nil, toFlowError(err)
	}

	var wf schema.Workflow
	if err := json.Unmarshal(doc, &wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to decode workflow document").WithCause(err)
	}
	return &wf, nil
}

// ValidateNodeData validates a node's data against the JSON Schema its
// executor declares. The schema is compiled once and cached.
func (v *JSONSchemaValidator) ValidateNodeData(node schema.Node, dataSchema []byte) error {
	if len(dataSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(dataSchema)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid data schema for type %s", node.Type).
			WithNode(node.ID).WithCause(err)
	}

	data := node.Data
	if data == nil {
		data = map[string]any{}
	}

	// Convert data to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize node data").WithNode(node.ID).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err).WithNode(node.ID)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL and a fresh compiler to avoid resource collisions.
	url := fmt.Sprintf("flowcanvas://node-data/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError that
// lists every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
