package nodes

import (
	"github.com/rendis/flowcanvas/internal/expressions"
)

// Config carries the collaborators of the built-in executors.
type Config struct {
	HTTP   HTTPConfig
	Files  FileConfig
	Blobs  BlobStore
	Models ModelLoader
}

// RegisterBuiltins registers every built-in node type in reg.
func RegisterBuiltins(reg *Registry, cfg Config) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	if cfg.Blobs == nil {
		cfg.Blobs = NewMemoryBlobStore()
	}
	if cfg.Models == nil {
		cfg.Models = NewModelCatalog()
	}

	all := []NodeExecutor{
		WebhookNode{},
		ManualTriggerNode{},
		NumberInputNode{},
		TextInputNode{},
		NewIfElseNode(cel),
		NewScriptNode(expressions.NewExprEngine()),
		NewTransformNode(expressions.NewGoJQEngine()),
		NewHTTPRequestNode(cfg.HTTP),
		NewFileUploadNode(cfg.Files, cfg.Blobs),
		NewModelLoadNode(cfg.Models),
		OutputNode{},
	}
	for _, exec := range all {
		if err := reg.Register(exec); err != nil {
			return err
		}
	}
	return nil
}
