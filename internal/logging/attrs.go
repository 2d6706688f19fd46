package logging

import (
	"log/slog"
	"time"
)

func RoomID(id string) slog.Attr {
	return slog.String("room_id", id)
}

func NodeID(id string) slog.Attr {
	return slog.String("node_id", id)
}

func WorkflowID(id string) slog.Attr {
	return slog.String("workflow_id", id)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func NodeType[T ~string](t T) slog.Attr {
	return slog.String("node_type", string(t))
}

func Duration(d time.Duration) slog.Attr {
	return slog.Int64("duration_ms", d.Milliseconds())
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}
