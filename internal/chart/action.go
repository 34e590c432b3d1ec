package chart

import (
	"fmt"
	"time"
)

// Context is the application-defined extended state of a running instance.
// The engine treats it as an immutable snapshot: every assign produces a new
// map, the previous one stays valid for captured references.
type Context = map[string]any

// CloneContext returns a shallow copy of ctx. A nil context clones to an
// empty map so assigners never observe nil.
func CloneContext(ctx Context) Context {
	out := make(Context, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// Meta is passed to assigners and custom action implementations.
type Meta struct {
	// State is the settled snapshot preceding the current step. It is nil
	// while the very first entry actions of a freshly started instance run.
	State *Snapshot

	// Action is the original action descriptor, including Params, even when
	// a named action delegated to an assign implementation.
	Action *Action

	// Origin is the id of the actor the event arrived from ("" for external
	// senders and self-raised events).
	Origin string
}

// Assigner produces a full replacement context from the current one.
type Assigner func(ctx Context, event Event, meta Meta) Context

// KeyAssigner produces the new value for a single context key.
type KeyAssigner func(ctx Context, event Event, meta Meta) any

// GuardFunc is a predicate gating whether a candidate transition may fire.
type GuardFunc func(ctx Context, event Event) bool

// GuardRef references a guard: a string id resolved through the guard
// registry, or a GuardFunc directly.
type GuardRef any

// ActionImpl is an externally supplied implementation for a named action.
// It may return a delegated built-in action (typically an assign) which the
// executor applies with Meta.Action still referring to the original
// descriptor.
type ActionImpl func(ctx Context, event Event, meta Meta) (*Action, error)

// ActionType discriminates the tagged Action variants.
type ActionType string

const (
	ActionAssign ActionType = "assign"
	ActionRaise  ActionType = "raise"
	ActionSend   ActionType = "send"
	ActionCancel ActionType = "cancel"
	ActionStop   ActionType = "stop"
	ActionNamed  ActionType = "named"
)

// Send targets understood by the executor in addition to child actor ids.
const (
	TargetSelf   = "self"
	TargetParent = "parent"
)

// SendSpec describes a send action's delivery.
type SendSpec struct {
	Event Event         `json:"event" yaml:"event"`
	To    string        `json:"to,omitempty" yaml:"to,omitempty"` // self, parent, or a child id; "" means self
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	ID    string        `json:"id,omitempty" yaml:"id,omitempty"` // cancellation id for delayed sends
}

// Action is a tagged descriptor interpreted by the executor. Exactly one
// variant's fields are set, per Type.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`

	// assign: exactly one of the three forms.
	Static map[string]any         `json:"static,omitempty" yaml:"static,omitempty"` // shallow-merged into the context
	Keyed  map[string]KeyAssigner `json:"-" yaml:"-"`                               // per-key producers, merged
	Full   Assigner               `json:"-" yaml:"-"`                               // full replacement

	Event Event     `json:"event,omitempty" yaml:"event,omitempty"` // raise
	Send  *SendSpec `json:"send,omitempty" yaml:"send,omitempty"`   // send
	Child string    `json:"child,omitempty" yaml:"child,omitempty"` // stop: child id; cancel: send id

	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`     // named custom action
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"` // parameters for named actions, surfaced via Meta.Action
}

// Assign merges a static value map into the context.
func Assign(values map[string]any) Action {
	return Action{Type: ActionAssign, Static: values}
}

// AssignKeys computes new values per key and merges them.
func AssignKeys(keys map[string]KeyAssigner) Action {
	return Action{Type: ActionAssign, Keyed: keys}
}

// AssignFunc replaces the whole context with the assigner's return value.
func AssignFunc(fn Assigner) Action {
	return Action{Type: ActionAssign, Full: fn}
}

// Raise enqueues an internal event, consumed before the next external one.
func Raise(event Event) Action {
	return Action{Type: ActionRaise, Event: event}
}

// SendTo enqueues an event for a named target once the current macrostep
// settles.
func SendTo(event Event, to string) Action {
	return Action{Type: ActionSend, Send: &SendSpec{Event: event, To: to}}
}

// SendAfter schedules a delayed send through the clock collaborator,
// cancellable by id.
func SendAfter(event Event, to string, delay time.Duration, id string) Action {
	return Action{Type: ActionSend, Send: &SendSpec{Event: event, To: to, Delay: delay, ID: id}}
}

// CancelSend cancels a pending delayed send by id.
func CancelSend(id string) Action {
	return Action{Type: ActionCancel, Child: id}
}

// StopChild tears down a spawned child actor by id.
func StopChild(id string) Action {
	return Action{Type: ActionStop, Child: id}
}

// Do references a named action resolved through the action registry at
// execution time.
func Do(name string, params map[string]any) Action {
	return Action{Type: ActionNamed, Name: name, Params: params}
}

// IsAssign reports whether the action is assign-shaped.
func (a *Action) IsAssign() bool {
	return a.Type == ActionAssign
}

// Describe renders a short human-readable form for the snapshot action log.
func (a *Action) Describe() string {
	switch a.Type {
	case ActionAssign:
		return "assign"
	case ActionRaise:
		return "raise(" + a.Event.Type + ")"
	case ActionSend:
		to := a.Send.To
		if to == "" {
			to = TargetSelf
		}
		return fmt.Sprintf("send(%s->%s)", a.Send.Event.Type, to)
	case ActionCancel:
		return "cancel(" + a.Child + ")"
	case ActionStop:
		return "stop(" + a.Child + ")"
	case ActionNamed:
		return a.Name
	default:
		return string(a.Type)
	}
}
