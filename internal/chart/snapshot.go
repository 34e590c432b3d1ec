package chart

import "strings"

// Snapshot is the externally observable result of one settled macrostep.
// It is immutable once emitted and round-trips through JSON and YAML; a
// snapshot plus the same compiled Machine rehydrates a fresh interpreter.
type Snapshot struct {
	// Value is the state value: a dotted path string for a single branch,
	// nested maps at parallel boundaries.
	Value any `json:"value" yaml:"value"`

	// Paths lists the active leaf paths; authoritative for rehydration.
	Paths []string `json:"paths" yaml:"paths"`

	Context Context `json:"context,omitempty" yaml:"context,omitempty"`
	Changed bool    `json:"changed" yaml:"changed"`
	Done    bool    `json:"done" yaml:"done"`

	// Meta maps each active node's qualified path to its declared meta block.
	Meta map[string]map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`

	// Actions is the ordered log of action descriptions executed this step.
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`

	// History carries recorded history values so rehydrated instances
	// restore the same history resolution.
	History map[string][]string `json:"history,omitempty" yaml:"history,omitempty"`
}

// Matches reports whether the given qualified path is active: equal to an
// active leaf path or an ancestor of one.
func (s *Snapshot) Matches(path string) bool {
	for _, p := range s.Paths {
		if p == path || strings.HasPrefix(p, path+".") {
			return true
		}
	}
	return false
}
