package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/internal/streaming"
	"github.com/rendis/openrooms/pkg/schema"
)

func (s *Server) handleRoomLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Rooms.GetRoom(r.Context(), id); err != nil {
		s.writeEngineError(w, r, "get room", err)
		return
	}

	q := r.URL.Query()
	filter := store.LogFilter{
		Level:     schema.LogLevel(q.Get("level")),
		EventType: schema.EventType(q.Get("event_type")),
		Limit:     min(queryInt(r, "limit", maxListLimit), maxListLimit),
	}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative sequence number")
			return
		}
		filter.AfterSequence = after
	}

	entries, err := s.deps.Logs.ListLogs(r.Context(), id, filter)
	if err != nil {
		s.writeEngineError(w, r, "list logs", err)
		return
	}
	if entries == nil {
		entries = []*store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleRoomEvents streams a room's execution log as Server-Sent Events. The
// persisted history after ?after= is replayed first, then live events follow.
// The stream ends once the room completes or is cancelled.
func (s *Server) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	room, err := s.deps.Rooms.GetRoom(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get room", err)
		return
	}
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming is not configured")
		return
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		after, err = strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative sequence number")
			return
		}
	}

	// Subscribe before reading history so nothing falls between the two.
	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), streaming.EventFilter{RoomID: id})
	if err != nil {
		s.writeEngineError(w, r, "subscribe", err)
		return
	}
	defer cancel()

	history, err := s.deps.Logs.ListLogs(r.Context(), id, store.LogFilter{AfterSequence: after})
	if err != nil {
		s.writeEngineError(w, r, "list logs", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.DebugContext(r.Context(), "clear SSE write deadline", logging.Error(err))
	}
	w.WriteHeader(http.StatusOK)
	flush := func() { _ = rc.Flush() }

	last := after
	for _, entry := range history {
		if err := writeSSEEvent(w, streaming.FromLogEntry(entry)); err != nil {
			return
		}
		last = max(last, entry.Sequence)
	}
	flush()

	if room.Status.Terminal() {
		_ = writeSSEDone(w)
		flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Sequence != 0 && event.Sequence <= last {
				continue
			}
			last = max(last, event.Sequence)
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			if event.EventType == schema.EventRoomCompleted || event.EventType == schema.EventRoomCancelled {
				_ = writeSSEDone(w)
				flush()
				return
			}
			flush()
		}
	}
}

func writeSSEEvent(w io.Writer, event streaming.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.EventType, data)
	return err
}

func writeSSEDone(w io.Writer) error {
	_, err := fmt.Fprint(w, "event: done\ndata: stream complete\n\n")
	return err
}
