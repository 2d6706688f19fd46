package schema

// EventType identifies an execution log entry.
type EventType string

// Event type constants for the execution log.
const (
	EventRoomCreated   EventType = "ROOM_CREATED"
	EventRoomStarted   EventType = "ROOM_STARTED"
	EventRoomPaused    EventType = "ROOM_PAUSED"
	EventRoomResumed   EventType = "ROOM_RESUMED"
	EventRoomCompleted EventType = "ROOM_COMPLETED"
	EventRoomFailed    EventType = "ROOM_FAILED"
	EventRoomCancelled EventType = "ROOM_CANCELLED"

	EventNodeEntered  EventType = "NODE_ENTERED"
	EventNodeExecuted EventType = "NODE_EXECUTED"
	EventNodeExited   EventType = "NODE_EXITED"
	EventNodeFailed   EventType = "NODE_FAILED"
	EventNodeRetrying EventType = "NODE_RETRYING"

	EventToolInvoked   EventType = "TOOL_INVOKED"
	EventToolCompleted EventType = "TOOL_COMPLETED"
	EventToolFailed    EventType = "TOOL_FAILED"

	EventAgentInvoked  EventType = "AGENT_INVOKED"
	EventAgentResponse EventType = "AGENT_RESPONSE"
	EventAgentError    EventType = "AGENT_ERROR"

	EventTransition    EventType = "TRANSITION"
	EventStateUpdated  EventType = "STATE_UPDATED"
	EventMemoryUpdated EventType = "MEMORY_UPDATED"
)

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
	LevelFatal LogLevel = "FATAL"
)

// ErrorDetails is the error payload attached to failed log entries.
type ErrorDetails struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorDetailsFrom builds an ErrorDetails from any error.
func ErrorDetailsFrom(err error) *ErrorDetails {
	if err == nil {
		return nil
	}
	code := ErrorCode(err)
	if code == "" {
		code = ErrCodeNodeExecution
	}
	return &ErrorDetails{Code: code, Message: err.Error()}
}
