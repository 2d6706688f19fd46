package store

import (
	"context"

	"github.com/rendis/openrooms/pkg/schema"
)

// RoomStore persists Room entities.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *schema.Room) error
	GetRoom(ctx context.Context, id string) (*schema.Room, error)
	ListRooms(ctx context.Context, filter RoomFilter) ([]*schema.Room, error)
	UpdateRoom(ctx context.Context, id string, update RoomUpdate) error
	// UpdateRoomStatus sets the status. When from is non-empty the write only
	// applies if the current status is one of from; otherwise it fails with
	// INVALID_STATE_TRANSITION.
	UpdateRoomStatus(ctx context.Context, id string, to schema.RoomStatus, from ...schema.RoomStatus) error
	DeleteRoom(ctx context.Context, id string) error
}

// WorkflowStore persists workflow graphs.
type WorkflowStore interface {
	// SaveWorkflow inserts or replaces a workflow together with all of its nodes.
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	// ListWorkflows returns workflow headers; Nodes is left empty.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	GetNode(ctx context.Context, workflowID, nodeID string) (*schema.WorkflowNode, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionLog is the append-only structured event sink for room runs.
type ExecutionLog interface {
	// Append assigns ID, Timestamp and the next per-room Sequence, then persists.
	Append(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, roomID string, filter LogFilter) ([]*LogEntry, error)
}

// ScheduleStore persists cron schedules that start rooms.
type ScheduleStore interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Store is the full persistence contract.
// All implementations must be safe for concurrent use.
type Store interface {
	RoomStore
	WorkflowStore
	ExecutionLog
	ScheduleStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
