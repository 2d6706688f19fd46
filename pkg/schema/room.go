package schema

import "time"

// RoomStatus represents the lifecycle state of a room.
type RoomStatus string

const (
	RoomStatusIdle      RoomStatus = "IDLE"
	RoomStatusRunning   RoomStatus = "RUNNING"
	RoomStatusPaused    RoomStatus = "PAUSED"
	RoomStatusCompleted RoomStatus = "COMPLETED"
	RoomStatusFailed    RoomStatus = "FAILED"
	RoomStatusCancelled RoomStatus = "CANCELLED"
)

// Terminal reports whether no further run can start from this status.
func (s RoomStatus) Terminal() bool {
	return s == RoomStatusCompleted || s == RoomStatusCancelled
}

// RoomConfig holds per-room execution overrides.
type RoomConfig struct {
	MaxExecutionTimeMs int64 `json:"max_execution_time_ms,omitempty"`
	EnableLogging      *bool `json:"enable_logging,omitempty"`
}

// LoggingEnabled returns false only when logging was explicitly disabled.
func (c RoomConfig) LoggingEnabled() bool {
	return c.EnableLogging == nil || *c.EnableLogging
}

// Room is a stateful execution instance of a Workflow.
type Room struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Status        RoomStatus     `json:"status"`
	WorkflowID    string         `json:"workflow_id"`
	CurrentNodeID string         `json:"current_node_id,omitempty"`
	Config        RoomConfig     `json:"config"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}
