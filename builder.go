package statomat

import (
	"strings"
	"time"

	"github.com/arbelos/statomat/internal/chart"
)

// MachineBuilder provides a fluent API for constructing machine definitions
// using dot-notation state paths instead of nesting StateConfig literals by
// hand.
type MachineBuilder struct {
	cfg    *MachineConfig
	byPath map[string]*StateConfig
}

// StateBuilder configures one state created through a MachineBuilder.
type StateBuilder struct {
	b    *MachineBuilder
	cfg  *StateConfig
	path string
}

// NewMachineBuilder starts a definition. initial names the top-level state
// entered on Start.
func NewMachineBuilder(id, initial string) *MachineBuilder {
	return &MachineBuilder{
		cfg:    &chart.MachineConfig{ID: id, Initial: initial},
		byPath: make(map[string]*chart.StateConfig),
	}
}

// Context sets the initial extended state.
func (b *MachineBuilder) Context(ctx Context) *MachineBuilder {
	b.cfg.Context = ctx
	return b
}

// State creates or retrieves a state by qualified path. Dot notation nests:
// "payment.retrying" places "retrying" under "payment", auto-creating the
// parent as a compound state when it does not exist yet.
func (b *MachineBuilder) State(path string) *StateBuilder {
	return &StateBuilder{b: b, cfg: b.ensure(path), path: path}
}

// Config returns the declarative definition accumulated so far.
func (b *MachineBuilder) Config() *MachineConfig {
	return b.cfg
}

// Build compiles the accumulated definition.
func (b *MachineBuilder) Build() (*Machine, error) {
	return Compile(b.cfg)
}

func (b *MachineBuilder) ensure(path string) *StateConfig {
	if sc, ok := b.byPath[path]; ok {
		return sc
	}
	parentPath, id := splitPath(path)
	sc := chart.NewStateConfig(id, chart.Atomic)
	if parentPath == "" {
		b.cfg.States = append(b.cfg.States, sc)
	} else {
		b.ensure(parentPath).AddChild(sc)
	}
	b.byPath[path] = sc
	return sc
}

func splitPath(path string) (parent, id string) {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// Type sets the state kind explicitly. States with children default to
// compound, others to atomic, so this is only needed for parallel, final,
// and history states.
func (s *StateBuilder) Type(t StateType) *StateBuilder {
	s.cfg.Type = t
	return s
}

// Parallel marks the state as a parallel region container.
func (s *StateBuilder) Parallel() *StateBuilder {
	s.cfg.Type = chart.Parallel
	return s
}

// Final marks the state as final.
func (s *StateBuilder) Final() *StateBuilder {
	s.cfg.Type = chart.Final
	return s
}

// History marks the state as a history pseudo-state within its parent.
func (s *StateBuilder) History(deep bool) *StateBuilder {
	if deep {
		s.cfg.Type = chart.DeepHistory
	} else {
		s.cfg.Type = chart.ShallowHistory
	}
	return s
}

// Initial names the child entered by default.
func (s *StateBuilder) Initial(id string) *StateBuilder {
	s.cfg.Initial = id
	return s
}

// OnEntry appends entry actions.
func (s *StateBuilder) OnEntry(actions ...Action) *StateBuilder {
	s.cfg.Entry = append(s.cfg.Entry, actions...)
	return s
}

// OnExit appends exit actions.
func (s *StateBuilder) OnExit(actions ...Action) *StateBuilder {
	s.cfg.Exit = append(s.cfg.Exit, actions...)
	return s
}

// On adds an unguarded transition. target resolves the way configuration
// targets do: absolute qualified path, sibling id, child id, or unique
// global id.
func (s *StateBuilder) On(event, target string, actions ...Action) *StateBuilder {
	return s.When(event, nil, target, actions...)
}

// When adds a guarded transition. guard may be a registered guard name, a
// GuardFunc, or nil.
func (s *StateBuilder) When(event string, guard GuardRef, target string, actions ...Action) *StateBuilder {
	s.cfg.AddTransition(event, chart.TransitionConfig{
		Target:  target,
		Guard:   guard,
		Actions: actions,
	})
	return s
}

// Internal adds a targetless transition: actions run without exiting or
// re-entering any state.
func (s *StateBuilder) Internal(event string, actions ...Action) *StateBuilder {
	return s.On(event, "", actions...)
}

// After adds a delayed transition taken when the state has been active for d.
func (s *StateBuilder) After(d time.Duration, target string, actions ...Action) *StateBuilder {
	s.cfg.After = append(s.cfg.After, chart.DelayConfig{
		After: d,
		Transition: chart.TransitionConfig{
			Target:  target,
			Actions: actions,
		},
	})
	return s
}

// Invoke starts the named behavior while the state is active. src must match
// a factory supplied through WithBehaviors.
func (s *StateBuilder) Invoke(id, src string) *StateBuilder {
	s.cfg.Invoke = append(s.cfg.Invoke, chart.InvokeConfig{ID: id, Src: src})
	return s
}

// InvokeMachine runs a child machine definition while the state is active.
func (s *StateBuilder) InvokeMachine(id string, cfg *MachineConfig) *StateBuilder {
	s.cfg.Invoke = append(s.cfg.Invoke, chart.InvokeConfig{ID: id, Machine: cfg})
	return s
}

// Data attaches the payload carried by done.state events raised when this
// final state is entered.
func (s *StateBuilder) Data(data map[string]any) *StateBuilder {
	s.cfg.Data = data
	return s
}

// Meta attaches static metadata surfaced on snapshots while the state is
// active.
func (s *StateBuilder) Meta(meta map[string]any) *StateBuilder {
	s.cfg.Meta = meta
	return s
}

// State hops to another state builder, keeping the chain going.
func (s *StateBuilder) State(path string) *StateBuilder {
	return s.b.State(path)
}

// Config returns the whole declarative definition accumulated so far.
func (s *StateBuilder) Config() *MachineConfig {
	return s.b.Config()
}

// Build compiles the whole definition.
func (s *StateBuilder) Build() (*Machine, error) {
	return s.b.Build()
}
