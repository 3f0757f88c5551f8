package validation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rendis/flowcanvas/internal/expressions"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// validateSemantic checks identifiers, node types, node data and edge
// references. Issues are collected; nothing short-circuits.
func validateSemantic(wf *schema.Workflow, types TypeLookup, jsv *JSONSchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeTypes := make(map[string]string, len(wf.Nodes))
	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch {
		case n.ID == "":
			result.AddError(path+".id", schema.ErrCodeValidation, "node id is empty")
			continue
		case hasKey(nodeTypes, n.ID):
			result.AddNodeError(path+".id", n.ID, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodeTypes[n.ID] = n.Type
		validateNode(n, path, types, jsv, result)
	}

	edgeIDs := make(map[string]bool, len(wf.Edges))
	for i, e := range wf.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if e.ID != "" {
			path = fmt.Sprintf("edges[%s]", e.ID)
			if edgeIDs[e.ID] {
				result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate edge id %q", e.ID))
			}
			edgeIDs[e.ID] = true
		}
		validateEdge(e, path, nodeTypes, types, result)
	}

	validateTemplateRefs(wf, nodeTypes, result)
	return result
}

// validateTemplateRefs checks that every ${{nodes.<id>...}} reference in
// node data names an ancestor of the referencing node.
func validateTemplateRefs(wf *schema.Workflow, nodeTypes map[string]string, result *schema.ValidationResult) {
	var parents map[string][]string
	for i, n := range wf.Nodes {
		refs := expressions.NodeRefs(n.Data)
		if len(refs) == 0 {
			continue
		}
		if parents == nil {
			parents = make(map[string][]string)
			for _, e := range wf.Edges {
				parents[e.Target] = append(parents[e.Target], e.Source)
			}
		}
		ancestors := ancestorsOf(n.ID, parents)
		path := fmt.Sprintf("nodes[%d].data", i)
		for _, ref := range refs {
			switch {
			case !hasKey(nodeTypes, ref):
				result.AddNodeError(path, n.ID, schema.ErrCodeNodeNotFound,
					fmt.Sprintf("template references non-existent node %q", ref))
			case !ancestors[ref]:
				result.AddNodeError(path, n.ID, schema.ErrCodeValidation,
					fmt.Sprintf("template references node %q, which is not upstream", ref))
			}
		}
	}
}

func ancestorsOf(id string, parents map[string][]string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range parents[cur] {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return seen
}

func hasKey(m map[string]string, k string) bool {
	_, ok := m[k]
	return ok
}

// validateNode checks that the node's type is registered and its data
// satisfies the type's data schema.
func validateNode(n schema.Node, path string, types TypeLookup, jsv *JSONSchemaValidator, result *schema.ValidationResult) {
	if n.Type == "" {
		result.AddNodeError(path+".type", n.ID, schema.ErrCodeValidation, "node type is empty")
		return
	}
	if types == nil {
		return
	}
	desc, ok := types.Describe(n.Type)
	if !ok {
		result.AddNodeError(path+".type", n.ID, schema.ErrCodeLookup,
			fmt.Sprintf("no executor registered for type %s", n.Type))
		return
	}
	// Templated data is only checked after resolution, at run time.
	if jsv == nil || len(desc.DataSchema) == 0 || expressions.HasTemplate(n.Data) {
		return
	}
	err := jsv.ValidateNodeData(n, desc.DataSchema)
	if err == nil {
		return
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if violations, ok := fe.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddNodeError(path+".data", n.ID, schema.ErrCodeValidation, v)
			}
			return
		}
	}
	result.AddNodeError(path+".data", n.ID, schema.ErrCodeValidation, err.Error())
}

// validateEdge checks endpoints and handles of one edge.
func validateEdge(e schema.Edge, path string, nodeTypes map[string]string, types TypeLookup, result *schema.ValidationResult) {
	srcType, srcOK := nodeTypes[e.Source]
	if !srcOK {
		result.AddError(path+".source", schema.ErrCodeNodeNotFound,
			fmt.Sprintf("references non-existent source node %q", e.Source))
	}
	tgtType, tgtOK := nodeTypes[e.Target]
	if !tgtOK {
		result.AddError(path+".target", schema.ErrCodeNodeNotFound,
			fmt.Sprintf("references non-existent target node %q", e.Target))
	}
	if !srcOK || !tgtOK || types == nil {
		return
	}

	if src, ok := types.Describe(srcType); ok && e.SourceHandle != "" && e.SourceHandle != schema.DefaultHandle {
		switch {
		case len(src.Handles) == 0:
			result.AddNodeWarning(path+".sourceHandle", e.Source, schema.ErrCodeValidation,
				fmt.Sprintf("node type %s has a single output; handle %q is ignored", srcType, e.SourceHandle))
		case !slices.Contains(src.Handles, e.SourceHandle):
			result.AddNodeError(path+".sourceHandle", e.Source, schema.ErrCodeValidation,
				fmt.Sprintf("node type %s has no output handle %q", srcType, e.SourceHandle))
		}
	}
	if tgt, ok := types.Describe(tgtType); ok && tgt.Trigger {
		result.AddNodeWarning(path+".target", e.Target, schema.ErrCodeValidation,
			fmt.Sprintf("trigger node %q ignores its inputs", e.Target))
	}
}
