package engine

import (
	"fmt"
	"sort"

	"github.com/arbelos/statomat/internal/chart"
)

// Plan is the outcome of resolving one event against the active
// configuration: which nodes exit (deepest-first), which transitions fire
// (selection order), which nodes enter (shallowest-first), and the new leaf
// configuration.
type Plan struct {
	Event       chart.Event
	Origin      string
	Transitions []*chart.Transition
	Exited      []int
	Entered     []int
	Leaves      []int
	Changed     bool
}

// resolver selects transitions for events. It owns no mutable state beyond
// the registries it evaluates guards against.
type resolver struct {
	m      *chart.Machine
	guards map[string]chart.GuardFunc
	onErr  func(stage string, err error)
}

// resolve computes the plan for one microstep. An event matching no branch
// yields a plan with Changed=false and the configuration untouched.
func (r *resolver) resolve(leaves []int, ctx chart.Context, evt chart.Event, hist *historyManager) *Plan {
	selected := r.selectTransitions(leaves, ctx, evt)
	plan := &Plan{Event: evt, Leaves: leaves}
	if len(selected) == 0 {
		return plan
	}
	plan.Changed = true

	active := r.m.ActiveSet(leaves)
	exited := map[int]bool{}
	entered := map[int]bool{}
	newLeaves := append([]int(nil), leaves...)

	for _, t := range selected {
		plan.Transitions = append(plan.Transitions, t)
		// Targetless and self-targeting transitions run actions without
		// exiting or entering anything.
		if t.Internal() || t.Target == t.Source {
			continue
		}
		domain := r.m.Domain(t.Source, t.Target)

		// Exit every active node strictly below the domain on this branch.
		for i := 1; i < r.m.Len(); i++ {
			if active[i] && !exited[i] && r.m.IsDescendant(i, domain) {
				exited[i] = true
				plan.Exited = append(plan.Exited, i)
			}
		}

		// Enter from below the domain down to the target, then descend.
		var enter []int
		path := r.m.EntryPath(domain, t.Target)
		if len(path) > 0 {
			enter = append(enter, path[:len(path)-1]...)
		}
		descended, descLeaves := r.descend(t.Target, hist)
		enter = append(enter, descended...)
		for _, n := range enter {
			if !entered[n] {
				entered[n] = true
				plan.Entered = append(plan.Entered, n)
			}
		}
		newLeaves = replaceLeaves(newLeaves, exited, descLeaves)
	}

	// Exit deepest-first, preserving reverse document order among siblings.
	sort.SliceStable(plan.Exited, func(i, j int) bool {
		a, b := r.m.NodeAt(plan.Exited[i]), r.m.NodeAt(plan.Exited[j])
		if a.Depth != b.Depth {
			return a.Depth > b.Depth
		}
		return a.Index > b.Index
	})
	// Entry order is shallowest-first as accumulated per branch; stable-sort
	// by depth keeps parallel siblings in insertion order.
	sort.SliceStable(plan.Entered, func(i, j int) bool {
		return r.m.NodeAt(plan.Entered[i]).Depth < r.m.NodeAt(plan.Entered[j]).Depth
	})

	sort.Ints(newLeaves)
	plan.Leaves = newLeaves
	return plan
}

// selectTransitions walks every active branch innermost-first, takes the
// first candidate whose guard passes, and discards outer candidates on a
// branch once an inner one is selected. Winners across orthogonal parallel
// regions coexist; overlapping winners within one hierarchy are reduced to
// the innermost.
func (r *resolver) selectTransitions(leaves []int, ctx chart.Context, evt chart.Event) []*chart.Transition {
	var selected []*chart.Transition
	seen := map[*chart.Transition]bool{}

	sorted := append([]int(nil), leaves...)
	sort.Ints(sorted)
	for _, leaf := range sorted {
		for _, node := range r.m.AncestorChain(leaf) {
			t := r.matchAt(node, ctx, evt)
			if t == nil {
				continue
			}
			if !seen[t] {
				seen[t] = true
				selected = append(selected, t)
			}
			break // innermost wins for this branch
		}
	}

	// Conflict resolution: a transition whose source is an ancestor of
	// another selected source loses; the innermost stands.
	var winners []*chart.Transition
	for _, t := range selected {
		inner := false
		for _, o := range selected {
			if o != t && r.m.IsDescendant(o.Source, t.Source) {
				inner = true
				break
			}
		}
		if !inner {
			winners = append(winners, t)
		}
	}

	// Winners from orthogonal regions that both leave a shared ancestor have
	// overlapping exit sets; keeping both would activate two siblings of one
	// compound node. Exit sets overlap exactly when one domain contains the
	// other, so the first selected (document order) keeps its domain and any
	// later winner touching it is dropped.
	var domains []int
	var compatible []*chart.Transition
	for _, t := range winners {
		if t.Internal() || t.Target == t.Source {
			compatible = append(compatible, t)
			continue
		}
		d := r.m.Domain(t.Source, t.Target)
		clash := false
		for _, prev := range domains {
			if d == prev || r.m.IsDescendant(d, prev) || r.m.IsDescendant(prev, d) {
				clash = true
				break
			}
		}
		if clash {
			continue
		}
		domains = append(domains, d)
		compatible = append(compatible, t)
	}
	return compatible
}

// matchAt finds the first passing candidate at one node: exact event match
// first, wildcard only when the node declares no candidate for the exact
// type.
func (r *resolver) matchAt(node int, ctx chart.Context, evt chart.Event) *chart.Transition {
	n := r.m.NodeAt(node)
	candidates := n.Transitions[evt.Type]
	if len(candidates) == 0 {
		candidates = n.Transitions[chart.Wildcard]
	}
	for _, t := range candidates {
		if r.guardPasses(t, ctx, evt) {
			return t
		}
	}
	return nil
}

// guardPasses evaluates a guard reference. A missing named guard or a
// panicking predicate is reported through the error channel and treated as
// false; one faulty predicate never crashes the interpreter.
func (r *resolver) guardPasses(t *chart.Transition, ctx chart.Context, evt chart.Event) (pass bool) {
	var fn chart.GuardFunc
	switch g := t.Guard.(type) {
	case nil:
		return true
	case string:
		var ok bool
		fn, ok = r.guards[g]
		if !ok {
			r.onErr("guard", fmt.Errorf("guard %q not registered", g))
			return false
		}
	case chart.GuardFunc:
		fn = g
	case func(chart.Context, chart.Event) bool:
		fn = g
	default:
		r.onErr("guard", fmt.Errorf("unsupported guard type %T", t.Guard))
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.onErr("guard", fmt.Errorf("guard panic on %q: %v", evt.Type, rec))
			pass = false
		}
	}()
	return fn(ctx, evt)
}

// descend resolves the nodes entered at and below a transition target,
// shallowest-first, along with the resulting leaves. History targets resolve
// to their recorded configuration, or the compiled default when never
// visited; the history pseudo-state itself is never entered.
func (r *resolver) descend(target int, hist *historyManager) (entered []int, leaves []int) {
	n := r.m.NodeAt(target)
	if n.IsHistory() {
		restore := hist.resolve(r.m, target)
		if restore == nil {
			restore = []int{n.HistoryDeft}
		}
		for _, t := range restore {
			// Deep history records leaves; enter the intermediate nodes
			// between the history's parent and each recorded node too.
			for _, p := range r.m.EntryPath(n.Parent, t) {
				if p != t {
					entered = append(entered, p)
				}
			}
			sub, subLeaves := r.descend(t, hist)
			entered = append(entered, sub...)
			leaves = append(leaves, subLeaves...)
		}
		return entered, leaves
	}

	entered = append(entered, target)
	switch {
	case n.Type == chart.Parallel:
		for _, ci := range n.Children {
			sub, subLeaves := r.descend(ci, hist)
			entered = append(entered, sub...)
			leaves = append(leaves, subLeaves...)
		}
	case len(n.Children) > 0 && n.Initial >= 0:
		sub, subLeaves := r.descend(n.Initial, hist)
		entered = append(entered, sub...)
		leaves = append(leaves, subLeaves...)
	default:
		leaves = append(leaves, target)
	}
	return entered, leaves
}

// replaceLeaves drops exited leaves and appends the freshly entered ones.
func replaceLeaves(leaves []int, exited map[int]bool, entered []int) []int {
	out := leaves[:0]
	for _, l := range leaves {
		if !exited[l] {
			out = append(out, l)
		}
	}
	return append(out, entered...)
}
