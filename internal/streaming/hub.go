// Package streaming fans execution log events out to live subscribers.
package streaming

import (
	"context"
	"time"

	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

// StreamEvent is a real-time copy of an execution log entry.
type StreamEvent struct {
	RoomID     string               `json:"room_id"`
	WorkflowID string               `json:"workflow_id"`
	NodeID     string               `json:"node_id,omitempty"`
	EventType  schema.EventType     `json:"event_type"`
	Level      schema.LogLevel      `json:"level"`
	Message    string               `json:"message"`
	Data       map[string]any       `json:"data,omitempty"`
	Error      *schema.ErrorDetails `json:"error,omitempty"`
	Sequence   int64                `json:"sequence"`
	Timestamp  time.Time            `json:"timestamp"`
}

// FromLogEntry converts a persisted log entry.
func FromLogEntry(e *store.LogEntry) StreamEvent {
	return StreamEvent{
		RoomID:     e.RoomID,
		WorkflowID: e.WorkflowID,
		NodeID:     e.NodeID,
		EventType:  e.EventType,
		Level:      e.Level,
		Message:    e.Message,
		Data:       e.Data,
		Error:      e.Error,
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp,
	}
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RoomID     string             `json:"room_id,omitempty"`
	EventTypes []schema.EventType `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time room events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	// Subscribe returns the event channel and a cancel func that closes it.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
