package nodes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rendis/flowcanvas/pkg/schema"
)

const TypeFileUpload = "fileUpload"

const blobScheme = "blob:"

// Blob is a stored file.
type Blob struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// BlobStore keeps uploaded files for the lifetime of the session.
type BlobStore interface {
	Put(ctx context.Context, name, contentType string, data []byte) (*Blob, error)
	Get(ctx context.Context, url string) (*Blob, error)
}

// MemoryBlobStore is an in-memory BlobStore addressed by blob: URLs.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]*Blob)}
}

func (s *MemoryBlobStore) Put(_ context.Context, name, contentType string, data []byte) (*Blob, error) {
	b := &Blob{
		URL:         blobScheme + uuid.NewString(),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        append([]byte(nil), data...),
	}
	s.mu.Lock()
	s.blobs[b.URL] = b
	s.mu.Unlock()
	return b, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, url string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[url]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "blob %s not found", url)
	}
	cp := *b
	return &cp, nil
}

// FileConfig bounds file ingestion.
type FileConfig struct {
	// Root is the directory data.path is resolved against. Empty disables
	// path-based uploads.
	Root        string
	MaxFileSize int64
}

const defaultMaxFileSize = 50 * 1024 * 1024 // 50MB

// FileUploadNode ingests a file into the blob store and writes the resolved
// blob URL back into its own node data so the editor can show it.
//
// The file comes from data.path (relative to the configured root) or from
// data.content (text, or base64 when data.encoding is "base64").
type FileUploadNode struct {
	config FileConfig
	blobs  BlobStore
}

// NewFileUploadNode creates a fileUpload executor.
func NewFileUploadNode(cfg FileConfig, blobs BlobStore) *FileUploadNode {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	return &FileUploadNode{config: cfg, blobs: blobs}
}

func (n *FileUploadNode) Type() string { return TypeFileUpload }

func (n *FileUploadNode) Schema() ExecutorSchema {
	return ExecutorSchema{
		Description: "Stores a file in the session blob store and records its blobUrl on the node.",
		DataSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text", "base64"]},
    "fileName": {"type": "string"},
    "contentType": {"type": "string"}
  },
  "anyOf": [
    {"required": ["path"]},
    {"required": ["content"]}
  ]
}`),
	}
}

func (n *FileUploadNode) Execute(ctx context.Context, ec *ExecutionContext) (*Result, error) {
	data := ec.Node.Data
	name := stringParam(data, "fileName", "")

	var content []byte
	var err error
	if p := stringParam(data, "path", ""); p != "" {
		content, err = n.readFile(p)
		if err != nil {
			return nil, err
		}
		if name == "" {
			name = filepath.Base(p)
		}
	} else {
		content, err = decodeContent(stringParam(data, "content", ""), stringParam(data, "encoding", "text"))
		if err != nil {
			return nil, err
		}
		if int64(len(content)) > n.config.MaxFileSize {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fileUpload: content exceeds %d bytes", n.config.MaxFileSize)
		}
	}
	if name == "" {
		name = ec.Node.ID
	}

	contentType := stringParam(data, "contentType", "")
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}

	blob, err := n.blobs.Put(ctx, name, contentType, content)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecutor, "fileUpload: failed to store file").WithCause(err)
	}

	if err := ec.UpdateNodeData(ec.Node.ID, map[string]any{
		"blobUrl":  blob.URL,
		"fileName": blob.Name,
		"fileSize": blob.Size,
	}); err != nil {
		return nil, err
	}

	return Ok(map[string]any{
		"blobUrl":     blob.URL,
		"fileName":    blob.Name,
		"contentType": blob.ContentType,
		"size":        blob.Size,
	}), nil
}

// readFile reads a file below the configured root, refusing paths that escape it.
func (n *FileUploadNode) readFile(p string) ([]byte, error) {
	if n.config.Root == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "fileUpload: no file root configured")
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || !filepath.IsLocal(clean) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fileUpload: path %q escapes the file root", p)
	}
	full := filepath.Join(n.config.Root, clean)

	f, err := os.Open(full)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "fileUpload: open %s", p).WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "fileUpload: stat %s", p).WithCause(err)
	}
	if info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fileUpload: %s is a directory", p)
	}
	if info.Size() > n.config.MaxFileSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fileUpload: %s is %d bytes, limit is %d", p, info.Size(), n.config.MaxFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, n.config.MaxFileSize+1))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "fileUpload: read %s", p).WithCause(err)
	}
	return content, nil
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "base64":
		b, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "fileUpload: content is not valid base64").WithCause(err)
		}
		return b, nil
	case "", "text":
		return []byte(content), nil
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("fileUpload: unknown encoding %q", encoding))
	}
}
