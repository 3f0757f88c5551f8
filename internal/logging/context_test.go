package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", NodeType(ctx))

	ctx = WithRunID(ctx, "run-123")
	ctx = WithNodeID(ctx, "node-1")
	ctx = WithNodeType(ctx, "httpRequest")

	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "node-1", NodeID(ctx))
	assert.Equal(t, "httpRequest", NodeType(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "run-abc", "node-x", "script")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "node_id=node-x")
	assert.Contains(t, output, "node_type=script")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRunID(context.Background(), "run-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-only")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "node_type")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "run-auto", "node-auto", "ifElse")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"run_id":"run-auto"`)
	assert.Contains(t, output, `"node_id":"node-auto"`)
	assert.Contains(t, output, `"node_type":"ifElse"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "run_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithRunID(context.Background(), "run-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"run_id":"run-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "json")
	logger.DebugContext(WithNodeID(context.Background(), "n1"), "hello")

	output := buf.String()
	assert.Contains(t, output, `"msg":"hello"`)
	assert.Contains(t, output, `"node_id":"n1"`)
}
