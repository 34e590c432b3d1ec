package chart

import "strings"

// Wildcard matches any event type, at lower priority than an exact match
// within the same state's transition table.
const Wildcard = "*"

// Prefixes for events the engine synthesizes on its own.
const (
	DonePrefix  = "done.state."
	InvokeDone  = "done.invoke."
	ErrorPrefix = "error.platform."
)

// Event is a tagged value delivered to a running machine instance.
// Events are immutable after construction.
type Event struct {
	Type string `json:"type" yaml:"type"`
	Data any    `json:"data,omitempty" yaml:"data,omitempty"`
}

// NewEvent creates an immutable Event.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data}
}

// DoneState returns the event type raised when a compound state's final
// child is entered, e.g. "done.state.traffic.red".
func DoneState(path string) string {
	return DonePrefix + path
}

// DoneInvoke returns the event type delivered when an invoked future
// behavior resolves successfully.
func DoneInvoke(id string) string {
	return InvokeDone + id
}

// ErrorPlatform returns the event type used to report action, guard and
// child-behavior failures to the owning instance.
func ErrorPlatform(id string) string {
	return ErrorPrefix + id
}

// IsInternalType reports whether an event type belongs to the engine's
// synthesized namespace.
func IsInternalType(t string) bool {
	return strings.HasPrefix(t, DonePrefix) ||
		strings.HasPrefix(t, InvokeDone) ||
		strings.HasPrefix(t, ErrorPrefix)
}
