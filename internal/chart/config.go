// Package chart defines the declarative statechart configuration and the
// immutable compiled state-node graph built from it.
//
// Configurations are plain data with json and yaml struct tags. A
// configuration is compiled exactly once into a Machine; every structural
// error (unresolvable target, duplicate region id, history without a
// resolvable default) surfaces at compile time, never during a transition.
package chart

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StateType defines the possible kinds of states in the statechart.
type StateType string

const (
	Atomic         StateType = "atomic"
	Compound       StateType = "compound"
	Parallel       StateType = "parallel"
	Final          StateType = "final"
	ShallowHistory StateType = "shallowHistory"
	DeepHistory    StateType = "deepHistory"
)

// TransitionConfig defines a single candidate transition for an event.
// An empty Target makes it an internal transition: actions run without
// exiting or entering any state.
type TransitionConfig struct {
	Target  string   `json:"target,omitempty" yaml:"target,omitempty"`
	Guard   GuardRef `json:"guard,omitempty" yaml:"guard,omitempty"`
	Actions []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// DelayConfig compiles to a timed transition: entering the state schedules
// the synthesized after-event, exiting cancels it.
type DelayConfig struct {
	After      time.Duration `json:"after" yaml:"after"`
	Transition TransitionConfig `json:"transition" yaml:"transition"`
}

// InvokeConfig declares a child actor spawned on entry and stopped on exit
// of the carrying state. Exactly one of Src (behavior registry name) or
// Machine (inline child definition) is set.
type InvokeConfig struct {
	ID      string         `json:"id" yaml:"id"`
	Src     string         `json:"src,omitempty" yaml:"src,omitempty"`
	Machine *MachineConfig `json:"machine,omitempty" yaml:"machine,omitempty"`
}

// StateConfig defines one state, with hierarchical nesting via Children.
// Child order is significant: document order drives first-match semantics.
type StateConfig struct {
	ID       string                        `json:"id" yaml:"id"`
	Type     StateType                     `json:"type,omitempty" yaml:"type,omitempty"`
	Initial  string                        `json:"initial,omitempty" yaml:"initial,omitempty"`
	On       map[string][]TransitionConfig `json:"on,omitempty" yaml:"on,omitempty"`
	Entry    []Action                      `json:"entry,omitempty" yaml:"entry,omitempty"`
	Exit     []Action                      `json:"exit,omitempty" yaml:"exit,omitempty"`
	Children []*StateConfig                `json:"children,omitempty" yaml:"children,omitempty"`
	After    []DelayConfig                 `json:"after,omitempty" yaml:"after,omitempty"`
	Invoke   []InvokeConfig                `json:"invoke,omitempty" yaml:"invoke,omitempty"`
	Data     map[string]any                `json:"data,omitempty" yaml:"data,omitempty"` // done payload for final states
	Meta     map[string]any                `json:"meta,omitempty" yaml:"meta,omitempty"` // surfaced per active node in snapshots
}

// MachineConfig is the complete declarative definition handed to Compile.
type MachineConfig struct {
	ID      string         `json:"id" yaml:"id"`
	Initial string         `json:"initial" yaml:"initial"`
	Context map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	States  []*StateConfig `json:"states" yaml:"states"`
}

// NewStateConfig creates a StateConfig with ID and Type.
func NewStateConfig(id string, typ StateType) *StateConfig {
	return &StateConfig{ID: id, Type: typ}
}

// AddTransition appends a candidate transition for an event.
func (s *StateConfig) AddTransition(event string, trans TransitionConfig) *StateConfig {
	if s.On == nil {
		s.On = make(map[string][]TransitionConfig)
	}
	s.On[event] = append(s.On[event], trans)
	return s
}

// AddChild appends a child state, preserving document order.
func (s *StateConfig) AddChild(child *StateConfig) *StateConfig {
	s.Children = append(s.Children, child)
	return s
}

// LoadConfig parses a YAML machine definition. Actions in YAML are either
// bare names (resolved through the action registry at execution time) or
// single-key mappings for the built-ins, e.g.:
//
//	entry:
//	  - notifyEntered
//	  - raise: CHECK
//	  - send: {event: {type: PING}, to: child, delay: 100ms, id: ping}
//	  - assign: {retries: 0}
//	  - stop: worker
func LoadConfig(data []byte) (*MachineConfig, error) {
	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return &cfg, nil
}

// UnmarshalYAML accepts durations in time.ParseDuration notation ("2s",
// "100ms") as well as plain nanosecond integers.
func (d *DelayConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		After      yaml.Node        `yaml:"after"`
		Transition TransitionConfig `yaml:"transition"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	after, err := decodeDuration(&raw.After)
	if err != nil {
		return fmt.Errorf("after: %w", err)
	}
	d.After = after
	d.Transition = raw.Transition
	return nil
}

// UnmarshalYAML accepts the delay in time.ParseDuration notation.
func (s *SendSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Event Event     `yaml:"event"`
		To    string    `yaml:"to"`
		Delay yaml.Node `yaml:"delay"`
		ID    string    `yaml:"id"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.Event = raw.Event
	s.To = raw.To
	s.ID = raw.ID
	if !raw.Delay.IsZero() {
		delay, err := decodeDuration(&raw.Delay)
		if err != nil {
			return fmt.Errorf("delay: %w", err)
		}
		s.Delay = delay
	}
	return nil
}

func decodeDuration(node *yaml.Node) (time.Duration, error) {
	var ns int64
	if err := node.Decode(&ns); err == nil {
		return time.Duration(ns), nil
	}
	var str string
	if err := node.Decode(&str); err != nil {
		return 0, fmt.Errorf("unsupported duration value %q", node.Value)
	}
	return time.ParseDuration(str)
}

// UnmarshalYAML decodes the action shorthand forms described in LoadConfig.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		*a = Do(name, nil)
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("action: unsupported yaml node kind %d", node.Kind)
	}
	var m struct {
		Raise  string         `yaml:"raise"`
		Send   *SendSpec      `yaml:"send"`
		Assign map[string]any `yaml:"assign"`
		Stop   string         `yaml:"stop"`
		Cancel string         `yaml:"cancel"`
		Name   string         `yaml:"name"`
		Params map[string]any `yaml:"params"`
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	switch {
	case m.Raise != "":
		*a = Raise(Event{Type: m.Raise})
	case m.Send != nil:
		*a = Action{Type: ActionSend, Send: m.Send}
	case m.Assign != nil:
		*a = Assign(m.Assign)
	case m.Stop != "":
		*a = StopChild(m.Stop)
	case m.Cancel != "":
		*a = CancelSend(m.Cancel)
	case m.Name != "":
		*a = Do(m.Name, m.Params)
	default:
		return fmt.Errorf("action: unrecognized yaml mapping")
	}
	return nil
}
