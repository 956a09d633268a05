package protocol

// EventName is one of the closed set of event names.
type EventName string

const (
	EventAccepted        EventName = "agent.accepted"
	EventDelta           EventName = "agent.delta"
	EventToolCallStart   EventName = "agent.tool_call_start"
	EventToolCallDelta   EventName = "agent.tool_call_delta"
	EventToolCall        EventName = "agent.tool_call"
	EventToolResultStart EventName = "agent.tool_result_start"
	EventToolResultDelta EventName = "agent.tool_result_delta"
	EventToolResult      EventName = "agent.tool_result"
	EventCompleted       EventName = "agent.completed"
	EventFailed          EventName = "agent.failed"
	EventModeChanged     EventName = "runtime.mode_changed"
	EventSessionUpdated  EventName = "session.updated"
)

// Streaming reports whether e is a fine-grained sub-event dropped in HTTP compatibility mode.
func (e EventName) Streaming() bool {
	switch e {
	case EventToolCallStart, EventToolCallDelta, EventToolResultStart, EventToolResultDelta:
		return true
	}
	return false
}

// Terminal reports whether e ends a run.
func (e EventName) Terminal() bool {
	return e == EventCompleted || e == EventFailed
}
