package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RoomIDFrom(ctx))
	assert.Equal(t, "", NodeIDFrom(ctx))
	assert.Equal(t, "", WorkflowIDFrom(ctx))

	ctx = WithRoomID(ctx, "room-123")
	ctx = WithNodeID(ctx, "node-1")
	ctx = WithWorkflowID(ctx, "wf-42")

	assert.Equal(t, "room-123", RoomIDFrom(ctx))
	assert.Equal(t, "node-1", NodeIDFrom(ctx))
	assert.Equal(t, "wf-42", WorkflowIDFrom(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "room-abc", "node-x", "wf-7")

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "room_id=room-abc")
	assert.Contains(t, output, "node_id=node-x")
	assert.Contains(t, output, "workflow_id=wf-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRoomID(context.Background(), "room-only")

	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "room_id=room-only")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "workflow_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "room-auto", "node-auto", "wf-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"room_id":"room-auto"`)
	assert.Contains(t, output, `"node_id":"node-auto"`)
	assert.Contains(t, output, `"workflow_id":"wf-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "room_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithRoomID(context.Background(), "room-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"room_id":"room-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNewLogger_InjectsCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.DebugContext(context.Background(), "hidden")
	logger.InfoContext(WithRoomID(context.Background(), "r1"), "shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, `"room_id":"r1"`)
}

func TestAttrs(t *testing.T) {
	assert.Equal(t, "boom", Error(errors.New("boom")).Value.String())
	assert.Equal(t, "", Error(nil).Value.String())
	assert.Equal(t, int64(1500), Duration(1500*time.Millisecond).Value.Int64())
	assert.Equal(t, "RUNNING", Status("RUNNING").Value.String())
}
