package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/flowcanvas/pkg/schema"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

// ResolveData returns a copy of data with every ${{...}} reference replaced.
// A string made of a single reference takes the referenced value with its
// type; references embedded in longer strings are stringified in place.
// Maps and slices are walked recursively. Secrets are read from the scope's
// vault only when referenced.
func ResolveData(ctx context.Context, data map[string]any, scope *Scope) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	out, err := resolveValue(ctx, data, scope, "data")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(ctx context.Context, v any, scope *Scope, path string) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(ctx, val, scope, path)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(ctx, item, scope, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(ctx, item, scope, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString scans s for ${{...}} tokens.
func resolveString(ctx context.Context, s string, scope *Scope, path string) (any, error) {
	if !strings.Contains(s, openMarker) {
		return s, nil
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openMarker) && strings.Index(trimmed, closeMarker) == len(trimmed)-len(closeMarker) {
		expr, err := tokenBody(trimmed[len(openMarker):len(trimmed)-len(closeMarker)], path)
		if err != nil {
			return nil, err
		}
		return resolveExpr(ctx, expr, scope, path)
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + len(openMarker)
		end := strings.Index(s[start:], closeMarker)
		if end == -1 {
			return nil, templateErr(path, "", "unclosed ${{ expression")
		}
		end += start
		expr, err := tokenBody(s[start:end], path)
		if err != nil {
			return nil, err
		}
		val, err := resolveExpr(ctx, expr, scope, path)
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
		i = end + len(closeMarker)
	}
	return b.String(), nil
}

func tokenBody(raw, path string) (string, error) {
	expr := strings.TrimSpace(raw)
	if strings.Contains(expr, openMarker) {
		return "", templateErr(path, expr, "nested ${{ is not allowed")
	}
	if expr == "" {
		return "", templateErr(path, expr, "empty reference")
	}
	return expr, nil
}

// resolveExpr resolves one reference such as nodes.fetch.output.url.
func resolveExpr(ctx context.Context, expr string, scope *Scope, path string) (any, error) {
	if scope == nil {
		return nil, templateErr(path, expr, "no values to resolve against")
	}
	namespace, rest, _ := strings.Cut(expr, ".")
	switch namespace {
	case NamespaceNodes:
		return resolveNode(expr, rest, scope, path)
	case NamespaceInputs:
		if rest == "" {
			return schema.CloneMap(scope.Inputs), nil
		}
		return lookup(scope.Inputs, rest, expr, path)
	case NamespaceTrigger:
		if rest == "" {
			return schema.CloneMap(scope.Trigger), nil
		}
		return lookup(scope.Trigger, rest, expr, path)
	case NamespaceRun:
		if rest == "" {
			return nil, templateErr(path, expr, "expected run.<field>")
		}
		return lookup(scope.Run, rest, expr, path)
	case NamespaceSecrets:
		return resolveSecret(ctx, expr, rest, scope, path)
	default:
		available := []string{NamespaceNodes, NamespaceInputs, NamespaceTrigger, NamespaceRun, NamespaceSecrets}
		return nil, templateErr(path, expr, fmt.Sprintf("unknown namespace %q; available: %s",
			namespace, strings.Join(available, ", "))).
			WithDetails(map[string]any{"path": path, "expression": expr, "available_namespaces": available})
	}
}

// resolveNode resolves nodes.<id>.output[.<field>...].
func resolveNode(expr, rest string, scope *Scope, path string) (any, error) {
	parts := strings.SplitN(rest, ".", 3)
	if len(parts) < 2 || parts[0] == "" {
		return nil, templateErr(path, expr, "expected nodes.<id>.output[.<field>]")
	}
	if parts[1] != "output" {
		return nil, templateErr(path, expr, fmt.Sprintf("only the output property is supported (got %q)", parts[1]))
	}
	output, ok := scope.Nodes[parts[0]]
	if !ok {
		available := scope.nodeIDs()
		return nil, templateErr(path, expr, fmt.Sprintf("node %q has no output upstream of this node; available: [%s]",
			parts[0], strings.Join(available, ", "))).
			WithDetails(map[string]any{"path": path, "expression": expr, "available_nodes": available})
	}
	if len(parts) == 2 {
		return schema.CloneValue(output), nil
	}
	return traverse(output, parts[2], expr, path)
}

// resolveSecret resolves secrets.<KEY> through the vault.
func resolveSecret(ctx context.Context, expr, key string, scope *Scope, path string) (any, error) {
	if key == "" {
		return nil, templateErr(path, expr, "expected secrets.<KEY>")
	}
	if scope.Secrets == nil {
		return nil, templateErr(path, expr, "no secret vault configured")
	}
	val, err := scope.Secrets.Resolve(ctx, key)
	if err != nil {
		return nil, templateErr(path, expr, fmt.Sprintf("secret %q unavailable", key)).WithCause(err)
	}
	return string(val), nil
}

func lookup(root map[string]any, field, expr, path string) (any, error) {
	if v, ok := root[field]; ok {
		return schema.CloneValue(v), nil
	}
	return traverse(root, field, expr, path)
}

// traverse walks a dot path through objects and arrays. Numeric segments
// index arrays.
func traverse(root any, fieldPath, expr, path string) (any, error) {
	current := root
	for i, seg := range strings.Split(fieldPath, ".") {
		if seg == "" {
			return nil, templateErr(path, expr, fmt.Sprintf("empty segment at position %d", i))
		}
		switch current.(type) {
		case nil, string:
			return nil, templateErr(path, expr, fmt.Sprintf("cannot traverse into %T at %q", current, seg))
		}
		if m, err := cast.ToStringMapE(current); err == nil {
			v, ok := m[seg]
			if !ok {
				keys := sortedKeys(m)
				return nil, templateErr(path, expr, fmt.Sprintf("field %q not found; available: [%s]",
					seg, strings.Join(keys, ", "))).
					WithDetails(map[string]any{"path": path, "expression": expr, "available_fields": keys})
			}
			current = v
			continue
		}
		if items, err := cast.ToSliceE(current); err == nil {
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(items) {
				return nil, templateErr(path, expr, fmt.Sprintf("index %q out of range (length %d)", seg, len(items)))
			}
			current = items[idx]
			continue
		}
		return nil, templateErr(path, expr, fmt.Sprintf("cannot traverse into %T at %q", current, seg))
	}
	return schema.CloneValue(current), nil
}

// inline renders a resolved value embedded inside a longer string.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return cast.ToString(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func templateErr(path, expr, msg string) *schema.FlowError {
	if expr != "" {
		msg = fmt.Sprintf("${{%s}}: %s", expr, msg)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", path, msg).
		WithDetails(map[string]any{"path": path, "expression": expr})
}

// HasTemplate reports whether v holds a ${{...}} reference anywhere.
func HasTemplate(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, openMarker)
	case map[string]any:
		for _, item := range val {
			if HasTemplate(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if HasTemplate(item) {
				return true
			}
		}
	}
	return false
}

// NodeRefs returns the node IDs v references through ${{nodes.<id>...}},
// sorted and deduplicated.
func NodeRefs(v any) []string {
	seen := make(map[string]any)
	collectNodeRefs(v, seen)
	return sortedKeys(seen)
}

func collectNodeRefs(v any, seen map[string]any) {
	switch val := v.(type) {
	case string:
		s := val
		for {
			idx := strings.Index(s, openMarker)
			if idx == -1 {
				return
			}
			s = s[idx+len(openMarker):]
			end := strings.Index(s, closeMarker)
			if end == -1 {
				return
			}
			expr := strings.TrimSpace(s[:end])
			s = s[end+len(closeMarker):]
			rest, ok := strings.CutPrefix(expr, NamespaceNodes+".")
			if !ok {
				continue
			}
			id, _, _ := strings.Cut(rest, ".")
			if id != "" {
				seen[id] = nil
			}
		}
	case map[string]any:
		for _, item := range val {
			collectNodeRefs(item, seen)
		}
	case []any:
		for _, item := range val {
			collectNodeRefs(item, seen)
		}
	}
}
