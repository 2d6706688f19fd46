package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/openrooms/internal/engine"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// createRoomRequest is the JSON body of POST /v1/rooms.
type createRoomRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	WorkflowID  string            `json:"workflow_id"`
	Config      schema.RoomConfig `json:"config"`
	Input       map[string]any    `json:"input"`
	Metadata    map[string]any    `json:"metadata"`
	// Start enqueues the room right after creation.
	Start bool `json:"start"`
}

// roomStatusResponse pairs a room with its runtime state, if any.
type roomStatusResponse struct {
	Room  *schema.Room      `json:"room"`
	State *schema.RoomState `json:"state,omitempty"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body createRoomRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := body.Metadata["input"]; ok {
		writeError(w, http.StatusBadRequest, "metadata.input is reserved; use input")
		return
	}

	room, err := s.deps.Engine.CreateRoom(r.Context(), engine.NewRoom{
		Name:        body.Name,
		Description: body.Description,
		WorkflowID:  body.WorkflowID,
		Config:      body.Config,
		Input:       body.Input,
		Metadata:    body.Metadata,
	})
	if err != nil {
		s.writeEngineError(w, r, "create room", err)
		return
	}
	if body.Start {
		if err := s.enqueue(r.Context(), room.ID); err != nil {
			s.writeEngineError(w, r, "enqueue room", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RoomFilter{
		WorkflowID: q.Get("workflow_id"),
		Limit:      min(queryInt(r, "limit", defaultListLimit), maxListLimit),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.RoomStatus(v)
		if _, known := engine.ValidRoomTransitions[status]; !known {
			writeError(w, http.StatusBadRequest, "unknown room status "+v)
			return
		}
		filter.Status = &status
	}

	rooms, err := s.deps.Rooms.ListRooms(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, "list rooms", err)
		return
	}
	if rooms == nil {
		rooms = []*schema.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.deps.Rooms.GetRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, "get room", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// handleDeleteRoom removes a room that is not running, together with its state.
func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	room, err := s.deps.Rooms.GetRoom(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get room", err)
		return
	}
	if room.Status == schema.RoomStatusRunning {
		s.writeEngineError(w, r, "delete room",
			schema.NewErrorf(schema.ErrCodeConflict, "room %s is running; cancel it first", id))
		return
	}
	if err := s.deps.States.DeleteState(r.Context(), id); err != nil {
		s.writeEngineError(w, r, "delete room state", err)
		return
	}
	if err := s.deps.Rooms.DeleteRoom(r.Context(), id); err != nil {
		s.writeEngineError(w, r, "delete room", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	room, err := s.deps.Rooms.GetRoom(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get room", err)
		return
	}
	st, err := s.deps.States.GetState(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get room state", err)
		return
	}
	writeJSON(w, http.StatusOK, roomStatusResponse{Room: room, State: st})
}

// handleRunRoom enqueues the room, or runs it in the request when wait=true
// or no queue is configured.
func (s *Server) handleRunRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Queue != nil && r.URL.Query().Get("wait") != "true" {
		if _, err := s.deps.Rooms.GetRoom(r.Context(), id); err != nil {
			s.writeEngineError(w, r, "get room", err)
			return
		}
		if err := s.enqueue(r.Context(), id); err != nil {
			s.writeEngineError(w, r, "enqueue room", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"room_id": id, "queued": true})
		return
	}

	// A client disconnect must not fail the room.
	res, err := s.deps.Engine.ExecuteRoom(context.WithoutCancel(r.Context()), id)
	if err != nil {
		s.writeEngineError(w, r, "run room", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePauseRoom(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "pause room", s.deps.Engine.PauseRoom)
}

func (s *Server) handleResumeRoom(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "resume room", s.deps.Engine.ResumeRoom)
}

func (s *Server) handleCancelRoom(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "cancel room", s.deps.Engine.CancelRoom)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op string, apply func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := apply(r.Context(), id); err != nil {
		s.writeEngineError(w, r, op, err)
		return
	}
	room, err := s.deps.Rooms.GetRoom(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get room", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) enqueue(ctx context.Context, roomID string) error {
	if s.deps.Queue == nil {
		return schema.NewError(schema.ErrCodeValidation, "no run queue configured")
	}
	return s.deps.Queue.Enqueue(ctx, roomID)
}
