// Package agent runs the conversation loop: model calls, tool rounds,
// context compaction, fallbacks, sub-agents and debates.
package agent

// EventKind tags a streamed loop event.
type EventKind string

const (
	EventThinking   EventKind = "thinking"
	EventContent    EventKind = "content"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventStatus     EventKind = "status"
	EventSwitch     EventKind = "switch"
	EventDone       EventKind = "done"
)

// Event is one streamed update from a running loop.
type Event struct {
	Kind  EventKind      `json:"kind"`
	Text  string         `json:"text,omitempty"`
	Tool  string         `json:"tool,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
	Model string         `json:"model,omitempty"`
}

// EventSink receives loop events. A nil sink discards them.
type EventSink func(Event)

func (s EventSink) emit(e Event) {
	if s != nil {
		s(e)
	}
}
