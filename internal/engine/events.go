package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/openrooms/internal/executors"
	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

// eventLog appends execution log entries. A failed append is logged and never
// fails the run; entries are written even after the run context expired.
type eventLog struct {
	sink   Logger
	logger *slog.Logger
}

func (l *eventLog) append(ctx context.Context, entry *store.LogEntry) {
	if l.sink == nil {
		return
	}
	if err := l.sink.Append(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.WarnContext(ctx, "execution log append failed",
			logging.RoomID(entry.RoomID),
			slog.String("event_type", string(entry.EventType)),
			logging.Error(err),
		)
	}
}

// runEvents scopes the event log to one room run. Node-level events are
// dropped when the room disabled logging; lifecycle events go through RoomFSM.
type runEvents struct {
	log        *eventLog
	roomID     string
	workflowID string
	enabled    bool
}

func (r *runEvents) emit(ctx context.Context, entry *store.LogEntry) {
	if !r.enabled {
		return
	}
	entry.RoomID = r.roomID
	entry.WorkflowID = r.workflowID
	if entry.Level == "" {
		entry.Level = schema.LevelInfo
	}
	r.log.append(ctx, entry)
}

// Emit implements executors.EventSink.
func (r *runEvents) Emit(ctx context.Context, ev executors.Event) {
	entry := &store.LogEntry{
		NodeID:    ev.NodeID,
		AgentID:   ev.AgentID,
		EventType: ev.Type,
		Level:     ev.Level,
		Message:   ev.Message,
		Data:      ev.Data,
		Error:     schema.ErrorDetailsFrom(ev.Err),
	}
	if ev.Duration > 0 {
		ms := ev.Duration.Milliseconds()
		entry.DurationMs = &ms
	}
	r.emit(ctx, entry)
}

var _ executors.EventSink = (*runEvents)(nil)
