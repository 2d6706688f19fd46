package engine

import (
	"context"
	"slices"

	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

// ValidRoomTransitions is the room lifecycle. COMPLETED and CANCELLED are final;
// a FAILED or PAUSED room may be run again. A run that ends while a pause or
// resume is still pending settles the room from PAUSED or IDLE directly.
var ValidRoomTransitions = map[schema.RoomStatus][]schema.RoomStatus{
	schema.RoomStatusIdle: {
		schema.RoomStatusRunning, schema.RoomStatusPaused, schema.RoomStatusCancelled,
		schema.RoomStatusCompleted, schema.RoomStatusFailed,
	},
	schema.RoomStatusRunning: {schema.RoomStatusCompleted, schema.RoomStatusFailed, schema.RoomStatusPaused, schema.RoomStatusCancelled},
	schema.RoomStatusPaused: {
		schema.RoomStatusIdle, schema.RoomStatusRunning, schema.RoomStatusCancelled,
		schema.RoomStatusCompleted, schema.RoomStatusFailed,
	},
	schema.RoomStatusFailed:    {schema.RoomStatusRunning, schema.RoomStatusCancelled},
	schema.RoomStatusCompleted: {},
	schema.RoomStatusCancelled: {},
}

// CanTransition reports whether the room lifecycle allows from -> to.
func CanTransition(from, to schema.RoomStatus) bool {
	return slices.Contains(ValidRoomTransitions[from], to)
}

// StatusChange describes one room status transition.
type StatusChange struct {
	RoomID     string
	WorkflowID string
	From       schema.RoomStatus
	To         schema.RoomStatus
	// Cause is attached to the emitted event for FAILED transitions.
	Cause error
	// Silent skips the lifecycle event.
	Silent bool
}

// statusUpdater is the slice of RoomStore the FSM writes through.
type statusUpdater interface {
	UpdateRoomStatus(ctx context.Context, id string, to schema.RoomStatus, from ...schema.RoomStatus) error
}

// RoomFSM validates room status transitions, persists them as a
// compare-and-set on the previous status and emits the lifecycle event.
type RoomFSM struct {
	rooms statusUpdater
	log   *eventLog
}

func newRoomFSM(rooms statusUpdater, log *eventLog) *RoomFSM {
	return &RoomFSM{rooms: rooms, log: log}
}

// Transition applies c. A concurrent status change surfaces as
// INVALID_STATE_TRANSITION from the store.
func (f *RoomFSM) Transition(ctx context.Context, c StatusChange) error {
	if !CanTransition(c.From, c.To) {
		return schema.NewInvalidStateTransitionError(string(c.From), string(c.To)).
			WithDetails(map[string]any{"room_id": c.RoomID})
	}
	if err := f.rooms.UpdateRoomStatus(ctx, c.RoomID, c.To, c.From); err != nil {
		return err
	}
	if c.Silent {
		return nil
	}

	entry := &store.LogEntry{
		RoomID:     c.RoomID,
		WorkflowID: c.WorkflowID,
		EventType:  roomEventType(c.From, c.To),
		Level:      schema.LevelInfo,
		Message:    "room " + string(c.From) + " -> " + string(c.To),
		Data:       map[string]any{"from": string(c.From), "to": string(c.To)},
	}
	if c.To == schema.RoomStatusFailed {
		entry.Level = schema.LevelError
		entry.Error = schema.ErrorDetailsFrom(c.Cause)
	}
	f.log.append(ctx, entry)
	return nil
}

func roomEventType(from, to schema.RoomStatus) schema.EventType {
	switch to {
	case schema.RoomStatusRunning:
		return schema.EventRoomStarted
	case schema.RoomStatusPaused:
		return schema.EventRoomPaused
	case schema.RoomStatusIdle:
		if from == schema.RoomStatusPaused {
			return schema.EventRoomResumed
		}
		return schema.EventStateUpdated
	case schema.RoomStatusCompleted:
		return schema.EventRoomCompleted
	case schema.RoomStatusFailed:
		return schema.EventRoomFailed
	case schema.RoomStatusCancelled:
		return schema.EventRoomCancelled
	default:
		return schema.EventStateUpdated
	}
}
