// Package engine runs rooms: it drives a room's workflow node by node under a
// distributed lock, persists the cursor and variables, and applies the room
// lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/openrooms/internal/executors"
	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/state"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/pkg/schema"
)

// Defaults for Config.
const (
	DefaultMaxExecutionTime  = 5 * time.Minute
	DefaultLockTimeout       = 30 * time.Second
	DefaultLockRenewInterval = 10 * time.Second
)

var (
	ErrInvalidMaxExecutionTime  = errors.New("max execution time must be positive")
	ErrInvalidLockTimeout       = errors.New("lock timeout must be positive")
	ErrLockShorterThanExecution = errors.New("lock timeout must cover max execution time when renewal is disabled")
	ErrInvalidLockRenewInterval = errors.New("lock renew interval must be positive and shorter than the lock timeout")
)

// Config bounds a room run.
type Config struct {
	MaxExecutionTime time.Duration
	LockTimeout      time.Duration
	// LockRenewInterval of zero disables renewal; the lock must then outlive the run.
	LockRenewInterval time.Duration
}

// DefaultConfig returns the default run bounds.
func DefaultConfig() Config {
	return Config{
		MaxExecutionTime:  DefaultMaxExecutionTime,
		LockTimeout:       DefaultLockTimeout,
		LockRenewInterval: DefaultLockRenewInterval,
	}
}

// Validate checks that a run can never outlive its lock.
func (c Config) Validate() error {
	if c.MaxExecutionTime <= 0 {
		return ErrInvalidMaxExecutionTime
	}
	if c.LockTimeout <= 0 {
		return ErrInvalidLockTimeout
	}
	if c.LockRenewInterval == 0 {
		if c.LockTimeout < c.MaxExecutionTime {
			return fmt.Errorf("%w: lock %s < execution %s",
				ErrLockShorterThanExecution, c.LockTimeout, c.MaxExecutionTime)
		}
		return nil
	}
	if c.LockRenewInterval < 0 || c.LockRenewInterval >= c.LockTimeout {
		return fmt.Errorf("%w: interval %s, lock %s",
			ErrInvalidLockRenewInterval, c.LockRenewInterval, c.LockTimeout)
	}
	return nil
}

// RoomStore is the room persistence the engine needs.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *schema.Room) error
	GetRoom(ctx context.Context, id string) (*schema.Room, error)
	UpdateRoom(ctx context.Context, id string, update store.RoomUpdate) error
	UpdateRoomStatus(ctx context.Context, id string, to schema.RoomStatus, from ...schema.RoomStatus) error
}

// WorkflowStore is the workflow persistence the engine needs.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	GetNode(ctx context.Context, workflowID, nodeID string) (*schema.WorkflowNode, error)
}

// Logger receives execution log entries.
type Logger interface {
	Append(ctx context.Context, entry *store.LogEntry) error
}

// GuardEvaluator evaluates CONDITION_MET expressions.
type GuardEvaluator interface {
	EvaluateCondition(ctx context.Context, expression string, variables map[string]any) (bool, error)
}

// RunQueue schedules a room for execution.
type RunQueue interface {
	Enqueue(ctx context.Context, roomID string) error
}

// Recorder receives run and node measurements.
type Recorder interface {
	RunStarted()
	RunFinished(outcome schema.RoomStatus, d time.Duration)
	NodeExecuted(nodeType schema.NodeType, success bool, d time.Duration)
	NodeRetried(nodeType schema.NodeType)
	LockConflict(reason string)
}

// Deps are the engine's collaborators.
type Deps struct {
	Rooms     RoomStore
	Workflows WorkflowStore
	States    state.Store
	Log       Logger
	Executors *executors.Registry
	Guards    GuardEvaluator
	Queue     RunQueue
	Metrics   Recorder
	Logger    *slog.Logger
}

// Engine executes rooms.
type Engine struct {
	cfg       Config
	rooms     RoomStore
	workflows WorkflowStore
	states    state.Store
	executors *executors.Registry
	guards    GuardEvaluator
	queue     RunQueue
	metrics   Recorder
	logger    *slog.Logger
	events    *eventLog
	fsm       *RoomFSM
	now       func() time.Time
}

// New creates an engine. Rooms, Workflows, States, Executors and Guards are required.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Rooms == nil || deps.Workflows == nil || deps.States == nil || deps.Executors == nil || deps.Guards == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires rooms, workflows, states, executors and guards")
	}
	logger := logging.OrDefault(deps.Logger)
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}

	events := &eventLog{sink: deps.Log, logger: logger}
	return &Engine{
		cfg:       cfg,
		rooms:     deps.Rooms,
		workflows: deps.Workflows,
		states:    deps.States,
		executors: deps.Executors,
		guards:    deps.Guards,
		queue:     deps.Queue,
		metrics:   metrics,
		logger:    logger,
		events:    events,
		fsm:       newRoomFSM(deps.Rooms, events),
		now:       time.Now,
	}, nil
}

// SetRunQueue sets the queue ResumeRoom hands rooms to. The dispatcher depends
// on the engine, so it is wired after construction.
func (e *Engine) SetRunQueue(q RunQueue) {
	e.queue = q
}

// PauseRoom requests a pause. A running loop stops at its next node boundary.
func (e *Engine) PauseRoom(ctx context.Context, roomID string) error {
	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status != schema.RoomStatusIdle && room.Status != schema.RoomStatusRunning {
		return schema.NewInvalidStateTransitionError(string(room.Status), string(schema.RoomStatusPaused))
	}
	return e.fsm.Transition(ctx, StatusChange{
		RoomID: roomID, WorkflowID: room.WorkflowID,
		From: room.Status, To: schema.RoomStatusPaused,
	})
}

// ResumeRoom moves a paused room back to IDLE and enqueues it.
func (e *Engine) ResumeRoom(ctx context.Context, roomID string) error {
	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status != schema.RoomStatusPaused {
		return schema.NewInvalidStateTransitionError(string(room.Status), string(schema.RoomStatusIdle))
	}
	if err := e.fsm.Transition(ctx, StatusChange{
		RoomID: roomID, WorkflowID: room.WorkflowID,
		From: schema.RoomStatusPaused, To: schema.RoomStatusIdle,
	}); err != nil {
		return err
	}
	if e.queue == nil {
		return nil
	}
	if err := e.queue.Enqueue(ctx, roomID); err != nil {
		return fmt.Errorf("enqueue resumed room %s: %w", roomID, err)
	}
	return nil
}

// CancelRoom cancels a room that has not finished and drops its state.
func (e *Engine) CancelRoom(ctx context.Context, roomID string) error {
	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status.Terminal() {
		return schema.NewInvalidStateTransitionError(string(room.Status), string(schema.RoomStatusCancelled))
	}
	if err := e.fsm.Transition(ctx, StatusChange{
		RoomID: roomID, WorkflowID: room.WorkflowID,
		From: room.Status, To: schema.RoomStatusCancelled,
	}); err != nil {
		return err
	}
	if err := e.states.DeleteState(ctx, roomID); err != nil {
		e.logger.WarnContext(ctx, "delete state after cancel failed", logging.RoomID(roomID), logging.Error(err))
	}
	return nil
}

// Transition moves the room cursor from one node to another.
func (e *Engine) Transition(ctx context.Context, roomID, fromNodeID, toNodeID string) error {
	st, err := e.states.GetState(ctx, roomID)
	if err != nil {
		return err
	}
	if st == nil {
		return schema.NewStateNotFoundError(roomID)
	}
	if st.CurrentNodeID != fromNodeID {
		return schema.NewInvalidStateTransitionError(fromNodeID, toNodeID).
			WithDetails(map[string]any{"room_id": roomID, "current_node_id": st.CurrentNodeID})
	}

	room, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if _, err := e.workflows.GetNode(ctx, room.WorkflowID, toNodeID); err != nil {
		return err
	}

	if _, err := e.states.UpdateState(ctx, roomID, schema.StateUpdate{CurrentNodeID: &toNodeID}); err != nil {
		return err
	}
	if err := e.rooms.UpdateRoom(ctx, roomID, store.RoomUpdate{CurrentNodeID: &toNodeID}); err != nil {
		return err
	}

	(&runEvents{log: e.events, roomID: roomID, workflowID: room.WorkflowID, enabled: room.Config.LoggingEnabled()}).
		emit(ctx, &store.LogEntry{
			NodeID:    toNodeID,
			EventType: schema.EventTransition,
			Message:   fromNodeID + " -> " + toNodeID,
			Data:      map[string]any{"from": fromNodeID, "to": toNodeID},
		})
	return nil
}

type nopRecorder struct{}

func (nopRecorder) RunStarted()                                       {}
func (nopRecorder) RunFinished(schema.RoomStatus, time.Duration)      {}
func (nopRecorder) NodeExecuted(schema.NodeType, bool, time.Duration) {}
func (nopRecorder) NodeRetried(schema.NodeType)                       {}
func (nopRecorder) LockConflict(string)                               {}
