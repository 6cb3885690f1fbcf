package chat

// EventType names a caller-facing event emitted during a turn.
type EventType string

const (
	EventToken        EventType = "token"
	EventToolCall     EventType = "tool_call"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
	EventAuthRequired EventType = "auth_required"
)

// Event is pushed to the caller in emission order. Exactly one of
// complete, error or auth_required ends every turn.
type Event struct {
	Type     EventType
	Token    string
	ToolName string
	ServerID string
	Content  string
	Error    string
	Provider string
	Reason   string
}

// Terminal reports whether e ends the turn.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventError, EventAuthRequired:
		return true
	}
	return false
}

// Payload is the JSON body of e on the wire.
func (e Event) Payload() map[string]string {
	switch e.Type {
	case EventToken:
		return map[string]string{"token": e.Token}
	case EventToolCall:
		return map[string]string{"toolName": e.ToolName, "serverId": e.ServerID}
	case EventComplete:
		return map[string]string{"content": e.Content}
	case EventAuthRequired:
		return map[string]string{"provider": e.Provider, "reason": e.Reason}
	default:
		return map[string]string{"error": e.Error}
	}
}

// Emitter receives turn events.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
