package chart

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefinitionError reports a structural problem in a machine configuration.
// It is only ever produced at compile time.
type DefinitionError struct {
	Path string
	Msg  string
}

func (e *DefinitionError) Error() string {
	if e.Path == "" {
		return "definition: " + e.Msg
	}
	return fmt.Sprintf("definition: state %q: %s", e.Path, e.Msg)
}

func defErr(path, format string, args ...any) error {
	return &DefinitionError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Transition is a compiled transition candidate.
type Transition struct {
	Event   string
	Source  int
	Target  int // -1 for internal (targetless) transitions
	Guard   GuardRef
	Actions []Action
}

// Internal reports whether the transition runs its actions without exiting
// or entering any state.
func (t *Transition) Internal() bool { return t.Target < 0 }

// Delay is a compiled timed transition trigger. Entering the owning state
// schedules EventType after After; exiting cancels it.
type Delay struct {
	After     time.Duration
	EventType string
}

// Node is one state in the compiled arena. Nodes reference each other by
// index only, so the graph holds no back-pointers that could retain cycles.
type Node struct {
	Index       int
	ID          string
	Path        string // dot-separated qualified id; stable across instances
	Type        StateType
	Parent      int // -1 for the synthetic root
	Children    []int
	Initial     int // resolved initial child, -1 if none
	HistoryDeft int // history nodes: resolved default target, -1 otherwise
	Depth       int
	Transitions map[string][]*Transition
	Entry       []Action
	Exit        []Action
	After       []Delay
	Invoke      []InvokeConfig
	Data        map[string]any
	Meta        map[string]any
}

// IsHistory reports whether the node is a shallow or deep history pseudo-state.
func (n *Node) IsHistory() bool {
	return n.Type == ShallowHistory || n.Type == DeepHistory
}

// Machine is the immutable compiled state-node graph. Built once, shared by
// every running instance of the same definition.
type Machine struct {
	id      string
	nodes   []*Node
	index   map[string]int
	root    int
	context Context
	// invoked holds child machines compiled from inline invoke definitions,
	// keyed by owning node index and invoke position. Inline definition
	// errors therefore surface at compile time like every other one.
	invoked map[int][]*Machine
}

// InvokedMachine returns the compiled child machine for a node's i-th
// invoke specification, or nil when that invoke names a behavior source.
func (m *Machine) InvokedMachine(node, i int) *Machine {
	if ms, ok := m.invoked[node]; ok && i < len(ms) {
		return ms[i]
	}
	return nil
}

// ID returns the machine definition id.
func (m *Machine) ID() string { return m.id }

// InitialContext returns a fresh copy of the declared initial context.
func (m *Machine) InitialContext() Context { return CloneContext(m.context) }

// Root returns the synthetic root node index.
func (m *Machine) Root() int { return m.root }

// NodeAt returns the node at index i.
func (m *Machine) NodeAt(i int) *Node { return m.nodes[i] }

// Len returns the number of nodes in the arena, root included.
func (m *Machine) Len() int { return len(m.nodes) }

// Node resolves a qualified path to its node.
func (m *Machine) Node(path string) (*Node, error) {
	i, ok := m.index[path]
	if !ok {
		return nil, fmt.Errorf("state %q not found", path)
	}
	return m.nodes[i], nil
}

// Compile builds the immutable node arena from a declarative configuration.
// All structural errors are surfaced here; a compiled Machine cannot fail
// structurally at runtime.
func Compile(cfg *MachineConfig) (*Machine, error) {
	if cfg == nil {
		return nil, errors.New("definition: nil config")
	}
	if cfg.ID == "" {
		return nil, errors.New("definition: machine id is required")
	}
	if len(cfg.States) == 0 {
		return nil, errors.New("definition: at least one state is required")
	}

	m := &Machine{
		id:      cfg.ID,
		index:   make(map[string]int),
		context: CloneContext(cfg.Context),
	}

	root := &Node{
		Index:       0,
		ID:          cfg.ID,
		Path:        "",
		Type:        Compound,
		Parent:      -1,
		Initial:     -1,
		HistoryDeft: -1,
		Transitions: map[string][]*Transition{},
	}
	m.nodes = append(m.nodes, root)

	rootCfg := &StateConfig{ID: cfg.ID, Initial: cfg.Initial, Children: cfg.States}
	if err := m.addChildren(root, rootCfg); err != nil {
		return nil, err
	}
	if err := m.resolveInitials(root, rootCfg); err != nil {
		return nil, err
	}
	for i, n := range m.nodes {
		if i == 0 {
			continue
		}
		if err := m.compileNode(n, nodeCfg(rootCfg, m, n)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// addChildren creates nodes depth-first, preserving document order, and
// rejects sibling id collisions (including parallel region ids).
func (m *Machine) addChildren(parent *Node, cfg *StateConfig) error {
	seen := map[string]bool{}
	for _, child := range cfg.Children {
		if child == nil || child.ID == "" {
			return defErr(parent.Path, "child with empty id")
		}
		if seen[child.ID] {
			if parent.Type == Parallel {
				return defErr(parent.Path, "parallel region id %q collides", child.ID)
			}
			return defErr(parent.Path, "duplicate child id %q", child.ID)
		}
		seen[child.ID] = true

		n := &Node{
			Index:       len(m.nodes),
			ID:          child.ID,
			Path:        joinPath(parent.Path, child.ID),
			Type:        effectiveType(child),
			Parent:      parent.Index,
			Initial:     -1,
			HistoryDeft: -1,
			Depth:       parent.Depth + 1,
			Transitions: map[string][]*Transition{},
			Data:        child.Data,
			Meta:        child.Meta,
			Invoke:      child.Invoke,
		}
		switch n.Type {
		case Final:
			if len(child.Children) > 0 {
				return defErr(n.Path, "final state cannot have children")
			}
		case ShallowHistory, DeepHistory:
			if len(child.Children) > 0 {
				return defErr(n.Path, "history state cannot have children")
			}
		}
		m.nodes = append(m.nodes, n)
		m.index[n.Path] = n.Index
		parent.Children = append(parent.Children, n.Index)

		if err := m.addChildren(n, child); err != nil {
			return err
		}
	}
	return nil
}

// effectiveType infers compound for untyped states with children, the
// statekit builder behavior.
func effectiveType(cfg *StateConfig) StateType {
	if cfg.Type == "" || cfg.Type == Atomic {
		if len(cfg.Children) > 0 {
			return Compound
		}
		return Atomic
	}
	return cfg.Type
}

// resolveInitials links every compound node to its initial child, falling
// back to the first non-history child in document order.
func (m *Machine) resolveInitials(n *Node, cfg *StateConfig) error {
	// Initial on a childless state almost always means the children were
	// lost to a misspelled key in a serialized definition; fail loudly.
	if cfg.Initial != "" && len(n.Children) == 0 && !n.IsHistory() {
		return defErr(n.Path, "initial %q set on a state with no children", cfg.Initial)
	}
	if n.Type == Compound && len(n.Children) > 0 {
		if cfg.Initial != "" {
			found := false
			for _, ci := range n.Children {
				if m.nodes[ci].ID == cfg.Initial {
					n.Initial = ci
					found = true
					break
				}
			}
			if !found {
				return defErr(n.Path, "initial %q is not a child", cfg.Initial)
			}
		} else {
			for _, ci := range n.Children {
				if !m.nodes[ci].IsHistory() {
					n.Initial = ci
					break
				}
			}
			if n.Initial < 0 {
				return defErr(n.Path, "no resolvable initial child")
			}
		}
	}
	for i, childCfg := range cfg.Children {
		if err := m.resolveInitials(m.nodes[n.Children[i]], childCfg); err != nil {
			return err
		}
	}
	return nil
}

// nodeCfg finds the StateConfig backing a compiled node by path walk.
func nodeCfg(root *StateConfig, m *Machine, n *Node) *StateConfig {
	segs := strings.Split(n.Path, ".")
	cfg := root
	for _, seg := range segs {
		var next *StateConfig
		for _, c := range cfg.Children {
			if c.ID == seg {
				next = c
				break
			}
		}
		cfg = next
	}
	return cfg
}

// compileNode resolves a node's transitions, delays, actions and history
// default against the fully built arena.
func (m *Machine) compileNode(n *Node, cfg *StateConfig) error {
	n.Entry = cfg.Entry
	n.Exit = cfg.Exit

	events := make([]string, 0, len(cfg.On))
	for evt := range cfg.On {
		events = append(events, evt)
	}
	sort.Strings(events)
	for _, evt := range events {
		for _, tc := range cfg.On[evt] {
			t, err := m.compileTransition(n, evt, tc)
			if err != nil {
				return err
			}
			n.Transitions[evt] = append(n.Transitions[evt], t)
		}
	}

	for _, dc := range cfg.After {
		if dc.After <= 0 {
			return defErr(n.Path, "after delay must be positive")
		}
		evt := afterEventType(dc.After, n.Path)
		t, err := m.compileTransition(n, evt, dc.Transition)
		if err != nil {
			return err
		}
		n.Transitions[evt] = append(n.Transitions[evt], t)
		n.After = append(n.After, Delay{After: dc.After, EventType: evt})
	}

	for _, inv := range cfg.Invoke {
		if inv.Src == "" && inv.Machine == nil {
			return defErr(n.Path, "invoke %q has neither src nor machine", inv.ID)
		}
		var child *Machine
		if inv.Machine != nil {
			c, err := Compile(inv.Machine)
			if err != nil {
				return defErr(n.Path, "invoke %q: %v", inv.ID, err)
			}
			child = c
		}
		if m.invoked == nil {
			m.invoked = make(map[int][]*Machine)
		}
		m.invoked[n.Index] = append(m.invoked[n.Index], child)
	}

	if n.IsHistory() {
		parent := m.nodes[n.Parent]
		if parent.Parent < 0 {
			return defErr(n.Path, "history state must be nested in a compound state")
		}
		deft := -1
		if cfg.Initial != "" {
			for _, ci := range parent.Children {
				if m.nodes[ci].ID == cfg.Initial {
					deft = ci
					break
				}
			}
			if deft < 0 {
				return defErr(n.Path, "history default %q is not a sibling", cfg.Initial)
			}
		} else if parent.Initial >= 0 && parent.Initial != n.Index {
			deft = parent.Initial
		}
		if deft < 0 {
			return defErr(n.Path, "no resolvable history default")
		}
		n.HistoryDeft = deft
	}
	return nil
}

func (m *Machine) compileTransition(n *Node, event string, tc TransitionConfig) (*Transition, error) {
	switch tc.Guard.(type) {
	case nil, string, GuardFunc:
	case func(Context, Event) bool:
	default:
		return nil, defErr(n.Path, "event %q: unsupported guard type %T", event, tc.Guard)
	}
	target := -1
	if tc.Target != "" {
		ti, err := m.resolveTarget(n, tc.Target)
		if err != nil {
			return nil, defErr(n.Path, "event %q: %v", event, err)
		}
		target = ti
	}
	return &Transition{
		Event:   event,
		Source:  n.Index,
		Target:  target,
		Guard:   tc.Guard,
		Actions: tc.Actions,
	}, nil
}

// resolveTarget resolves a target reference from a source node: absolute
// qualified path first, then sibling, then child, then self, then a unique
// id match anywhere in the arena.
func (m *Machine) resolveTarget(src *Node, target string) (int, error) {
	if i, ok := m.index[target]; ok {
		return i, nil
	}
	if src.Parent >= 0 {
		if i, ok := m.index[joinPath(m.nodes[src.Parent].Path, target)]; ok {
			return i, nil
		}
	}
	if i, ok := m.index[joinPath(src.Path, target)]; ok {
		return i, nil
	}
	if src.ID == target {
		return src.Index, nil
	}
	match := -1
	for _, n := range m.nodes[1:] {
		if n.ID == target {
			if match >= 0 {
				return -1, fmt.Errorf("target %q is ambiguous (%s, %s)", target, m.nodes[match].Path, n.Path)
			}
			match = n.Index
		}
	}
	if match < 0 {
		return -1, fmt.Errorf("target %q does not resolve", target)
	}
	return match, nil
}

func joinPath(parent, id string) string {
	if parent == "" {
		return id
	}
	return parent + "." + id
}

func afterEventType(d time.Duration, path string) string {
	return fmt.Sprintf("statomat.after.%d.%s", d.Milliseconds(), path)
}

//
// Structural queries
//

// AncestorChain returns the chain self → ... → outermost, excluding the
// synthetic root.
func (m *Machine) AncestorChain(i int) []int {
	var chain []int
	for i > 0 {
		chain = append(chain, i)
		i = m.nodes[i].Parent
	}
	return chain
}

// IsDescendant reports whether node i is a strict descendant of ancestor.
func (m *Machine) IsDescendant(i, ancestor int) bool {
	for p := m.nodes[i].Parent; p >= 0; p = m.nodes[p].Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Domain returns the transition domain for source and target: the least
// common compound ancestor whose active descendants are exited. A target
// inside the source keeps the source as domain; a self-transition exits and
// re-enters the source, so its domain is the source's parent.
func (m *Machine) Domain(source, target int) int {
	if source == target {
		return m.nodes[source].Parent
	}
	if m.IsDescendant(target, source) {
		return source
	}
	if m.IsDescendant(source, target) {
		return target
	}
	a := m.pathToRoot(source)
	b := m.pathToRoot(target)
	lca := 0
	for i := 0; i < len(a) && i < len(b) && a[i] == b[i]; i++ {
		lca = a[i]
	}
	return lca
}

// pathToRoot returns root → ... → self, root inclusive.
func (m *Machine) pathToRoot(i int) []int {
	chain := m.AncestorChain(i)
	out := make([]int, 0, len(chain)+1)
	out = append(out, m.root)
	for j := len(chain) - 1; j >= 0; j-- {
		out = append(out, chain[j])
	}
	return out
}

// EntryPath returns the nodes strictly below domain down to target,
// shallowest-first, target inclusive.
func (m *Machine) EntryPath(domain, target int) []int {
	full := m.pathToRoot(target)
	for i, n := range full {
		if n == domain {
			return full[i+1:]
		}
	}
	return full[1:] // domain is root
}

// InitialLeaves resolves the default leaf configuration under node i:
// compound nodes descend through their initial child, parallel nodes
// through all regions, history nodes through their compiled default.
func (m *Machine) InitialLeaves(i int) []int {
	n := m.nodes[i]
	switch {
	case n.IsHistory():
		return m.InitialLeaves(n.HistoryDeft)
	case n.Type == Parallel:
		var leaves []int
		for _, ci := range n.Children {
			leaves = append(leaves, m.InitialLeaves(ci)...)
		}
		return leaves
	case len(n.Children) > 0 && n.Initial >= 0:
		return m.InitialLeaves(n.Initial)
	default:
		return []int{i}
	}
}

// ActiveSet expands a leaf configuration into the full set of active nodes
// (leaves plus ancestors), keyed by index.
func (m *Machine) ActiveSet(leaves []int) map[int]bool {
	active := map[int]bool{m.root: true}
	for _, leaf := range leaves {
		active[leaf] = true
		for _, a := range m.AncestorChain(leaf) {
			active[a] = true
		}
	}
	return active
}

// ValueOf renders the externally observable state value: a dotted path
// string for a single branch, nested maps at parallel boundaries.
func (m *Machine) ValueOf(leaves []int) any {
	active := m.ActiveSet(leaves)
	return m.valueBelow(m.root, active)
}

func (m *Machine) valueBelow(i int, active map[int]bool) any {
	n := m.nodes[i]
	if n.Type == Parallel {
		out := make(map[string]any, len(n.Children))
		for _, ci := range n.Children {
			out[m.nodes[ci].ID] = m.valueBelow(ci, active)
		}
		return out
	}
	var branch []string
	cur := n
	for {
		next := -1
		for _, ci := range cur.Children {
			if active[ci] {
				next = ci
				break
			}
		}
		if next < 0 {
			break
		}
		child := m.nodes[next]
		if child.Type == Parallel {
			sub := m.valueBelow(next, active).(map[string]any)
			if len(branch) > 0 {
				return map[string]any{strings.Join(append(branch, child.ID), "."): sub}
			}
			return map[string]any{child.ID: sub}
		}
		branch = append(branch, child.ID)
		cur = child
	}
	return strings.Join(branch, ".")
}

// PathsOf returns the qualified paths of a leaf configuration, in document
// order.
func (m *Machine) PathsOf(leaves []int) []string {
	sorted := append([]int(nil), leaves...)
	sort.Ints(sorted)
	out := make([]string, len(sorted))
	for i, leaf := range sorted {
		out[i] = m.nodes[leaf].Path
	}
	return out
}

// LeavesFor resolves recorded qualified paths back into node indices, used
// when rehydrating an interpreter from a snapshot.
func (m *Machine) LeavesFor(paths []string) ([]int, error) {
	leaves := make([]int, 0, len(paths))
	for _, p := range paths {
		n, err := m.Node(p)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		leaves = append(leaves, n.Index)
	}
	return leaves, nil
}
