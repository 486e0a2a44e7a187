package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func newJSONLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer

	newJSONLogger(&buf, slog.LevelInfo).InfoContext(context.Background(), "test message", "key", "value")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestTraceHandler_WithSpanContext(t *testing.T) {
	var buf bytes.Buffer

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	newJSONLogger(&buf, slog.LevelInfo).InfoContext(ctx, "test message")

	entry := decode(t, &buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestTraceHandler_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer

	ctx := AppendAttrs(context.Background(), slog.String("record_id", "r1"))
	ctx = AppendAttrs(ctx, slog.String("kind", "torrent"))

	newJSONLogger(&buf, slog.LevelInfo).InfoContext(ctx, "started")

	entry := decode(t, &buf)
	assert.Equal(t, "r1", entry["record_id"])
	assert.Equal(t, "torrent", entry["kind"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))

	var buf bytes.Buffer

	ctx := WithLogger(context.Background(), newJSONLogger(&buf, slog.LevelDebug))
	ctx, logger := With(ctx, "record_id", "abc")

	assert.Same(t, logger, LoggerFromContext(ctx))

	logger.Debug("scoped")
	assert.Equal(t, "abc", decode(t, &buf)["record_id"])
}
