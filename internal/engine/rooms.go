package engine

import (
	"context"
	"maps"

	"github.com/google/uuid"

	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

// NewRoom describes a room to create.
type NewRoom struct {
	Name        string
	Description string
	WorkflowID  string
	Config      schema.RoomConfig
	// Input seeds the START node; it is stored under Metadata["input"].
	Input    map[string]any
	Metadata map[string]any
}

// CreateRoom creates an IDLE room bound to an existing, non-archived workflow.
func (e *Engine) CreateRoom(ctx context.Context, req NewRoom) (*schema.Room, error) {
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id is required")
	}
	if req.Config.MaxExecutionTimeMs < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "max_execution_time_ms must not be negative")
	}
	wf, err := e.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status == schema.WorkflowStatusArchived {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s is archived", wf.ID)
	}

	id := uuid.New().String()
	room := &schema.Room{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Status:      schema.RoomStatusIdle,
		WorkflowID:  wf.ID,
		Config:      req.Config,
		Metadata:    maps.Clone(req.Metadata),
	}
	if room.Name == "" {
		room.Name = "room-" + id[:8]
	}
	if req.Input != nil {
		if room.Metadata == nil {
			room.Metadata = make(map[string]any, 1)
		}
		room.Metadata["input"] = req.Input
	}
	if err := e.rooms.CreateRoom(ctx, room); err != nil {
		return nil, err
	}

	e.events.append(ctx, &store.LogEntry{
		RoomID:     room.ID,
		WorkflowID: room.WorkflowID,
		EventType:  schema.EventRoomCreated,
		Level:      schema.LevelInfo,
		Message:    "room created",
		Data:       map[string]any{"name": room.Name},
	})
	e.logger.InfoContext(ctx, "room created", logging.RoomID(room.ID), logging.WorkflowID(room.WorkflowID))
	return room, nil
}
