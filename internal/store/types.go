package store

import (
	"time"

	"github.com/rendis/openrooms/pkg/schema"
)

// LogEntry is an immutable record in a room's execution log.
type LogEntry struct {
	ID         string               `json:"id"`
	RoomID     string               `json:"room_id"`
	WorkflowID string               `json:"workflow_id"`
	NodeID     string               `json:"node_id,omitempty"`
	AgentID    string               `json:"agent_id,omitempty"`
	EventType  schema.EventType     `json:"event_type"`
	Level      schema.LogLevel      `json:"level"`
	Message    string               `json:"message"`
	Data       map[string]any       `json:"data,omitempty"`
	Error      *schema.ErrorDetails `json:"error,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	DurationMs *int64               `json:"duration_ms,omitempty"`
	Sequence   int64                `json:"sequence"`
}

// ScheduledJob is a cron schedule that creates and enqueues a room for a workflow.
type ScheduledJob struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	RoomName       string         `json:"room_name,omitempty"`
	CronExpression string         `json:"cron_expression"`
	Variables      map[string]any `json:"variables,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// RoomFilter specifies criteria for listing rooms.
type RoomFilter struct {
	Status     *schema.RoomStatus `json:"status,omitempty"`
	WorkflowID string             `json:"workflow_id,omitempty"`
	Limit      int                `json:"limit,omitempty"`
	Offset     int                `json:"offset,omitempty"`
}

// RoomUpdate specifies mutable fields of a room. Nil fields are left untouched.
type RoomUpdate struct {
	Name          *string            `json:"name,omitempty"`
	Description   *string            `json:"description,omitempty"`
	CurrentNodeID *string            `json:"current_node_id,omitempty"`
	Config        *schema.RoomConfig `json:"config,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// LogFilter specifies criteria for listing execution log entries.
type LogFilter struct {
	Level     schema.LogLevel  `json:"level,omitempty"`
	EventType schema.EventType `json:"event_type,omitempty"`
	// AfterSequence returns only entries with a greater sequence.
	AfterSequence int64 `json:"after_sequence,omitempty"`
	Limit         int   `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
