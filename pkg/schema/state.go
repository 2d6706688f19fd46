package schema

import (
	"maps"
	"time"
)

// AttemptCounts maps a node id to the number of retries already spent on it.
// It serializes as a plain JSON object.
type AttemptCounts map[string]int

// Get returns the retry count for nodeID, zero when absent.
func (a AttemptCounts) Get(nodeID string) int {
	return a[nodeID]
}

// With returns a copy of a with nodeID set to n.
func (a AttemptCounts) With(nodeID string, n int) AttemptCounts {
	out := make(AttemptCounts, len(a)+1)
	maps.Copy(out, a)
	out[nodeID] = n
	return out
}

// Without returns a copy of a with nodeID's count dropped.
func (a AttemptCounts) Without(nodeID string) AttemptCounts {
	out := maps.Clone(a)
	if out == nil {
		out = AttemptCounts{}
	}
	delete(out, nodeID)
	return out
}

// RoomState is the engine's ephemeral cursor, variable bag and retry counters for one room.
type RoomState struct {
	RoomID         string         `json:"room_id"`
	CurrentNodeID  string         `json:"current_node_id"`
	Status         RoomStatus     `json:"status"`
	Variables      map[string]any `json:"variables"`
	ExecutionStack []string       `json:"execution_stack"`
	Attempts       AttemptCounts  `json:"attempts"`
	StartTime      time.Time      `json:"start_time"`
	LastUpdateTime time.Time      `json:"last_update_time"`
}

// NewRoomState seeds a running state at the given node.
func NewRoomState(roomID, nodeID string, now time.Time) *RoomState {
	return &RoomState{
		RoomID:         roomID,
		CurrentNodeID:  nodeID,
		Status:         RoomStatusRunning,
		Variables:      map[string]any{},
		ExecutionStack: []string{},
		Attempts:       AttemptCounts{},
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// StateUpdate is a partial merge applied to a RoomState. Nil fields are left untouched.
// Variables are merged key by key rather than replaced.
type StateUpdate struct {
	CurrentNodeID  *string
	Status         *RoomStatus
	Variables      map[string]any
	ExecutionStack []string
	Attempts       AttemptCounts
}

// Apply merges u into s.
func (u StateUpdate) Apply(s *RoomState) {
	if u.CurrentNodeID != nil {
		s.CurrentNodeID = *u.CurrentNodeID
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if len(u.Variables) > 0 {
		if s.Variables == nil {
			s.Variables = make(map[string]any, len(u.Variables))
		}
		maps.Copy(s.Variables, u.Variables)
	}
	if u.ExecutionStack != nil {
		s.ExecutionStack = u.ExecutionStack
	}
	if u.Attempts != nil {
		s.Attempts = u.Attempts
	}
}
