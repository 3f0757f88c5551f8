package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	nodeIDKey
	nodeTypeKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithNodeID returns a context with the node ID set.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// WithNodeType returns a context with the node type set.
func WithNodeType(ctx context.Context, nodeType string) context.Context {
	return context.WithValue(ctx, nodeTypeKey, nodeType)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// NodeType extracts the node type from the context, or "" if absent.
func NodeType(ctx context.Context) string {
	v, _ := ctx.Value(nodeTypeKey).(string)
	return v
}

// WithIDs sets all three correlation values on the context at once.
func WithIDs(ctx context.Context, runID, nodeID, nodeType string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithNodeID(ctx, nodeID)
	ctx = WithNodeType(ctx, nodeType)
	return ctx
}

// LogWith returns a logger enriched with correlation values from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := RunID(ctx); v != "" {
		logger = logger.With(slog.String("run_id", v))
	}
	if v := NodeID(ctx); v != "" {
		logger = logger.With(slog.String("node_id", v))
	}
	if v := NodeType(ctx); v != "" {
		logger = logger.With(slog.String("node_type", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation values
// from the context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := NodeID(ctx); v != "" {
		r.AddAttrs(slog.String("node_id", v))
	}
	if v := NodeType(ctx); v != "" {
		r.AddAttrs(slog.String("node_type", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a text or JSON handler wrapped in a
// CorrelationHandler.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
