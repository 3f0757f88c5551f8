package nodes

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/flowcanvas/pkg/schema"
)

const TypeModelLoad = "modelLoad"

// Supported 3D model formats.
const (
	FormatGLB     = "glb"
	FormatGLTF    = "gltf"
	FormatIFC     = "ifc"
	FormatOBJ     = "obj"
	FormatFBX     = "fbx"
	Format3DTiles = "3dtiles"
)

var supportedFormats = map[string]bool{
	FormatGLB: true, FormatGLTF: true, FormatIFC: true,
	FormatOBJ: true, FormatFBX: true, Format3DTiles: true,
}

// ModelRequest asks the viewer to load one model.
type ModelRequest struct {
	NodeID string `json:"nodeId"`
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
	Format string `json:"format"`
}

// LoadedModel is a model the viewer accepted.
type LoadedModel struct {
	ModelID  string    `json:"modelId"`
	NodeID   string    `json:"nodeId"`
	URL      string    `json:"url"`
	Name     string    `json:"name,omitempty"`
	Format   string    `json:"format"`
	LoadedAt time.Time `json:"loadedAt"`
}

// ModelLoader hands models to the 3D viewer. The viewer itself lives in the
// host application.
type ModelLoader interface {
	LoadModel(ctx context.Context, req ModelRequest) (*LoadedModel, error)
}

// ModelCatalog is a ModelLoader that records every request in memory so the
// host can pick the models up. IDs are stable per source URL.
type ModelCatalog struct {
	mu     sync.RWMutex
	models map[string]*LoadedModel // url → model
}

// NewModelCatalog creates an empty catalog.
func NewModelCatalog() *ModelCatalog {
	return &ModelCatalog{models: make(map[string]*LoadedModel)}
}

func (c *ModelCatalog) LoadModel(_ context.Context, req ModelRequest) (*LoadedModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	if prev, ok := c.models[req.URL]; ok {
		id = prev.ModelID
	}
	m := &LoadedModel{
		ModelID:  id,
		NodeID:   req.NodeID,
		URL:      req.URL,
		Name:     req.Name,
		Format:   req.Format,
		LoadedAt: time.Now().UTC(),
	}
	c.models[req.URL] = m
	cp := *m
	return &cp, nil
}

// List returns the loaded models ordered by URL.
func (c *ModelCatalog) List() []LoadedModel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LoadedModel, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ModelLoadNode resolves a 3D model source and hands it to the viewer.
// The source is data.url, or the blobUrl/url field of the default input so
// it can follow a fileUpload node. The model ID is written back to the node.
type ModelLoadNode struct {
	loader ModelLoader
}

// NewModelLoadNode creates a modelLoad executor.
func NewModelLoadNode(loader ModelLoader) *ModelLoadNode {
	return &ModelLoadNode{loader: loader}
}

func (n *ModelLoadNode) Type() string { return TypeModelLoad }

func (n *ModelLoadNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Loads a glb, gltf, ifc, obj, fbx or 3D Tiles model into the viewer.",
		DataSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "name": {"type": "string"},
    "format": {"type": "string", "enum": ["glb", "gltf", "ifc", "obj", "fbx", "3dtiles"]}
  }
}`),
	}
}

func (n *ModelLoadNode) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	data := ec.Node.Data
	src := stringParam(data, "url", "")
	name := stringParam(data, "name", "")
	if in, ok := ec.Input().(map[string]any); ok {
		if src == "" {
			src = stringParam(in, "blobUrl", stringParam(in, "url", ""))
		}
		if name == "" {
			name = stringParam(in, "fileName", "")
		}
	}
	if src == "" {
		return Fail("modelLoad: no model source (set data.url or connect a fileUpload node)"), nil
	}

	format := strings.ToLower(stringParam(data, "format", ""))
	if format == "" {
		format = DetectModelFormat(name)
	}
	if format == "" {
		format = DetectModelFormat(src)
	}
	if !supportedFormats[format] {
		return Fail("modelLoad: unsupported model format for " + src), nil
	}

	if n.loader == nil {
		return nil, schema.NewError(schema.ErrCodeExecutor, "modelLoad: no model loader configured")
	}
	m, err := n.loader.LoadModel(ctx, ModelRequest{NodeID: ec.Node.ID, URL: src, Name: name, Format: format})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecutor, "modelLoad: viewer rejected model").WithCause(err)
	}

	if err := ec.UpdateNodeData(ec.Node.ID, map[string]any{"modelId": m.ModelID, "format": m.Format}); err != nil {
		return nil, err
	}
	return Ok(map[string]any{
		"modelId": m.ModelID,
		"url":     m.URL,
		"name":    m.Name,
		"format":  m.Format,
	}), nil
}

// DetectModelFormat guesses the format from a file name or URL, or returns "".
func DetectModelFormat(ref string) string {
	if ref == "" {
		return ""
	}
	p := ref
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.ToLower(p)
	if path.Base(p) == "tileset.json" {
		return Format3DTiles
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if supportedFormats[ext] {
		return ext
	}
	return ""
}
