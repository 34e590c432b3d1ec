// Package statomat is a statechart interpreter: it executes declarative
// hierarchical and parallel state machine definitions against a stream of
// events, producing deterministic transitions, derived context values, and
// ordered side-effecting actions, including spawning and messaging child
// actors.
//
// A definition is compiled once into an immutable state-node graph and
// shared by any number of running instances:
//
//	machine, err := statomat.Compile(cfg)
//	itp := statomat.NewInterpreter(machine)
//	unsub := itp.Subscribe(func(s statomat.Snapshot) { ... })
//	itp.Start()
//	itp.Send(statomat.NewEvent("SUBMIT", nil))
//
// Events sent while a step is in progress are deferred, never interleaved:
// each external event is processed as a macrostep that drains all internally
// raised events before the next snapshot is emitted.
package statomat

import (
	"github.com/arbelos/statomat/internal/chart"
	"github.com/arbelos/statomat/internal/engine"
)

// Re-exported definition and runtime types.
type (
	// Event is a tagged value delivered to a running instance.
	Event = chart.Event
	// Action is a tagged action descriptor interpreted by the executor.
	Action = chart.Action
	// Context is the application-defined extended state, threaded through
	// steps as immutable snapshots.
	Context = chart.Context
	// Meta is passed to assigners and custom action implementations.
	Meta = chart.Meta
	// Snapshot is the externally observable result of one settled macrostep.
	Snapshot = chart.Snapshot
	// Machine is the immutable compiled state-node graph.
	Machine = chart.Machine
	// DefinitionError reports a structural configuration problem at compile
	// time.
	DefinitionError = chart.DefinitionError

	MachineConfig    = chart.MachineConfig
	StateConfig      = chart.StateConfig
	TransitionConfig = chart.TransitionConfig
	DelayConfig      = chart.DelayConfig
	InvokeConfig     = chart.InvokeConfig
	SendSpec         = chart.SendSpec
	StateType        = chart.StateType

	Assigner    = chart.Assigner
	KeyAssigner = chart.KeyAssigner
	GuardFunc   = chart.GuardFunc
	GuardRef    = chart.GuardRef
	ActionImpl  = chart.ActionImpl

	// Interpreter drives one running instance of a compiled machine.
	Interpreter = engine.Interpreter
	// Option configures an Interpreter.
	Option = engine.Option
	// Status is the interpreter lifecycle state.
	Status = engine.Status
	// Clock schedules and cancels named timers; supplied externally so tests
	// can use a virtual clock.
	Clock = engine.Clock
	// Actor is a live addressable child instance.
	Actor = engine.Actor
	// Behavior is a non-machine invoke source.
	Behavior = engine.Behavior
	// BehaviorFactory builds a behavior per invocation.
	BehaviorFactory = engine.BehaviorFactory
	// VirtualClock is a manually advanced clock for deterministic tests.
	VirtualClock = engine.VirtualClock
)

// State kinds.
const (
	Atomic         = chart.Atomic
	Compound       = chart.Compound
	Parallel       = chart.Parallel
	Final          = chart.Final
	ShallowHistory = chart.ShallowHistory
	DeepHistory    = chart.DeepHistory
)

// Wildcard matches any event type at lowest priority.
const Wildcard = chart.Wildcard

// Send targets understood in addition to child ids.
const (
	TargetSelf   = chart.TargetSelf
	TargetParent = chart.TargetParent
)

// Interpreter lifecycle states.
const (
	NotStarted = engine.NotStarted
	Running    = engine.Running
	Stopped    = engine.Stopped
)

// ErrNotStarted is returned by Send before Start.
var ErrNotStarted = engine.ErrNotStarted

// Event and action constructors.
var (
	NewEvent = chart.NewEvent

	Assign     = chart.Assign
	AssignKeys = chart.AssignKeys
	AssignFunc = chart.AssignFunc
	Raise      = chart.Raise
	SendTo     = chart.SendTo
	SendAfter  = chart.SendAfter
	CancelSend = chart.CancelSend
	StopChild  = chart.StopChild
	Do         = chart.Do

	DoneState     = chart.DoneState
	DoneInvoke    = chart.DoneInvoke
	ErrorPlatform = chart.ErrorPlatform
)

// Interpreter options and collaborators.
var (
	WithClock         = engine.WithClock
	WithLogger        = engine.WithLogger
	WithActions       = engine.WithActions
	WithGuards        = engine.WithGuards
	WithBehaviors     = engine.WithBehaviors
	WithErrorListener = engine.WithErrorListener
	WithSnapshot      = engine.WithSnapshot
	WithID            = engine.WithID

	NewWallClock    = engine.NewWallClock
	NewVirtualClock = engine.NewVirtualClock

	CallbackBehavior = engine.CallbackBehavior
	FutureBehavior   = engine.FutureBehavior
	StreamBehavior   = engine.StreamBehavior
)

// Compile builds the immutable state-node graph from a declarative
// configuration. Every structural error (unresolvable target, colliding
// region ids, history without a resolvable default) surfaces here, never
// during a transition.
func Compile(cfg *MachineConfig) (*Machine, error) {
	return chart.Compile(cfg)
}

// LoadConfig parses a YAML machine definition.
func LoadConfig(data []byte) (*MachineConfig, error) {
	return chart.LoadConfig(data)
}

// NewInterpreter creates a runtime instance for a compiled machine.
func NewInterpreter(m *Machine, opts ...Option) *Interpreter {
	return engine.NewInterpreter(m, opts...)
}
