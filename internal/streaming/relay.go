package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/store"
)

// Relay is an execution log that publishes every persisted entry to a hub.
// The engine appends through it so live subscribers see the same sequence the
// log stores.
type Relay struct {
	log    store.ExecutionLog
	hub    EventHub
	logger *slog.Logger
}

// NewRelay wraps log so appends are also published to hub.
func NewRelay(log store.ExecutionLog, hub EventHub, logger *slog.Logger) *Relay {
	return &Relay{log: log, hub: hub, logger: logging.OrDefault(logger)}
}

// Append persists entry, then publishes it. Publishing never fails the append.
func (r *Relay) Append(ctx context.Context, entry *store.LogEntry) error {
	if err := r.log.Append(ctx, entry); err != nil {
		return err
	}
	if err := r.hub.Publish(context.WithoutCancel(ctx), FromLogEntry(entry)); err != nil {
		r.logger.DebugContext(ctx, "publish log entry failed",
			logging.RoomID(entry.RoomID),
			logging.Error(err),
		)
	}
	return nil
}

// ListLogs reads from the wrapped log.
func (r *Relay) ListLogs(ctx context.Context, roomID string, filter store.LogFilter) ([]*store.LogEntry, error) {
	return r.log.ListLogs(ctx, roomID, filter)
}

var _ store.ExecutionLog = (*Relay)(nil)
