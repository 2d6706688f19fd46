package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/openrooms/pkg/schema"
)

func TestAppendAssignsSequencePerRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &LogEntry{RoomID: "r1", WorkflowID: "wf", EventType: schema.EventNodeEntered, Message: "enter"}
		require.NoError(t, s.Append(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, schema.LevelInfo, e.Level)
	}

	other := &LogEntry{RoomID: "r2", WorkflowID: "wf", EventType: schema.EventRoomStarted, Message: "start"}
	require.NoError(t, s.Append(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)
}

func TestAppendRoundTripsDetails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dur := int64(42)
	require.NoError(t, s.Append(ctx, &LogEntry{
		RoomID:     "r1",
		WorkflowID: "wf",
		NodeID:     "tool",
		EventType:  schema.EventNodeFailed,
		Level:      schema.LevelError,
		Message:    "node failed",
		Data:       map[string]any{"attempt": float64(2)},
		Error:      &schema.ErrorDetails{Code: schema.ErrCodeToolExecution, Message: "boom"},
		DurationMs: &dur,
	}))

	logs, err := s.ListLogs(ctx, "r1", LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	got := logs[0]
	assert.Equal(t, "tool", got.NodeID)
	assert.Equal(t, schema.EventNodeFailed, got.EventType)
	assert.Equal(t, schema.LevelError, got.Level)
	assert.Equal(t, float64(2), got.Data["attempt"])
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeToolExecution, got.Error.Code)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(42), *got.DurationMs)
}

func TestListLogsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []*LogEntry{
		{EventType: schema.EventRoomStarted, Level: schema.LevelInfo},
		{EventType: schema.EventNodeRetrying, Level: schema.LevelWarn},
		{EventType: schema.EventNodeFailed, Level: schema.LevelError},
		{EventType: schema.EventRoomFailed, Level: schema.LevelError},
	}
	for _, e := range entries {
		e.RoomID, e.WorkflowID, e.Message = "r1", "wf", string(e.EventType)
		require.NoError(t, s.Append(ctx, e))
	}

	errs, err := s.ListLogs(ctx, "r1", LogFilter{Level: schema.LevelError})
	require.NoError(t, err)
	assert.Len(t, errs, 2)

	retries, err := s.ListLogs(ctx, "r1", LogFilter{EventType: schema.EventNodeRetrying})
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, int64(2), retries[0].Sequence)

	after, err := s.ListLogs(ctx, "r1", LogFilter{AfterSequence: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(3), after[0].Sequence)
}

func TestAppendConcurrentSequencesAreContiguous(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Append(ctx, &LogEntry{RoomID: "r1", WorkflowID: "wf",
				EventType: schema.EventStateUpdated, Message: fmt.Sprintf("update %d", i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	logs, err := s.ListLogs(ctx, "r1", LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, n)
	for i, e := range logs {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}
