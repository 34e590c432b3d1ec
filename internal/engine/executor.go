package engine

import (
	"fmt"
	"sort"

	"github.com/arbelos/statomat/internal/chart"
	"github.com/google/uuid"
)

// runAction executes one action descriptor against the current context.
// Context updates apply immediately, so later actions in the same plan
// observe them. Returns false when the action failed (or panicked): the
// caller aborts the remainder of the plan's action list, and the failure is
// reported through the error channel rather than propagated.
func (it *Interpreter) runAction(a *chart.Action, evt chart.Event, origin string) bool {
	meta := chart.Meta{State: it.last, Action: a, Origin: origin}
	if err := it.execute(a, evt, meta); err != nil {
		it.reportError("action", err)
		return false
	}
	it.log = append(it.log, a.Describe())
	return true
}

// execute dispatches one (possibly delegated) action. meta.Action always
// refers to the original descriptor: a named action that resolves to an
// assign-shaped action keeps its own Params visible to the assigners.
func (it *Interpreter) execute(a *chart.Action, evt chart.Event, meta chart.Meta) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action %s panic: %v", a.Describe(), rec)
		}
	}()

	switch a.Type {
	case chart.ActionAssign:
		it.context = applyAssign(a, it.context, evt, meta)
		it.changed = true
		return nil

	case chart.ActionRaise:
		it.raise(a.Event, "")
		return nil

	case chart.ActionSend:
		return it.dispatchSend(a.Send)

	case chart.ActionCancel:
		it.clock.ClearTimer(a.Child)
		delete(it.timerIDs, a.Child)
		return nil

	case chart.ActionStop:
		it.reg.stop(a.Child) // stopping an absent child is a no-op
		return nil

	case chart.ActionNamed:
		impl, ok := it.actions[a.Name]
		if !ok {
			return fmt.Errorf("action %q not registered", a.Name)
		}
		delegated, err := impl(it.context, evt, meta)
		if err != nil {
			return fmt.Errorf("action %q: %w", a.Name, err)
		}
		if delegated != nil {
			// Provenance: keep the original descriptor in meta.
			return it.execute(delegated, evt, meta)
		}
		return nil

	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

// applyAssign produces the next context snapshot. Static maps and keyed
// assigners shallow-merge; a whole-context assigner replaces the context
// with its return value (nil means no change). The previous snapshot is
// never mutated.
func applyAssign(a *chart.Action, ctx chart.Context, evt chart.Event, meta chart.Meta) chart.Context {
	switch {
	case a.Static != nil:
		next := chart.CloneContext(ctx)
		for k, v := range a.Static {
			next[k] = v
		}
		return next

	case a.Keyed != nil:
		next := chart.CloneContext(ctx)
		keys := make([]string, 0, len(a.Keyed))
		for k := range a.Keyed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			next[k] = a.Keyed[k](ctx, evt, meta)
		}
		return next

	case a.Full != nil:
		if next := a.Full(chart.CloneContext(ctx), evt, meta); next != nil {
			return next
		}
		return ctx

	default:
		return ctx
	}
}

// dispatchSend delivers or schedules one send action. Immediate sends are
// enqueued and consumed once the current macrostep settles; a delayed send
// fires through the clock into the mailbox, where the drain loop resolves
// its target at consume time.
func (it *Interpreter) dispatchSend(spec *chart.SendSpec) error {
	if spec.Delay > 0 {
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		s := *spec
		it.timerIDs[id] = true
		it.clock.SetTimer(id, spec.Delay, func() {
			it.enqueue(queuedEvent{send: &s, timer: id})
		})
		return nil
	}
	return it.deliverTo(spec)
}

// deliverTo routes an event to self, parent, or a named child.
func (it *Interpreter) deliverTo(spec *chart.SendSpec) error {
	switch spec.To {
	case "", chart.TargetSelf:
		it.deliver(spec.Event, "")
		return nil
	case chart.TargetParent:
		if it.parent == nil {
			return fmt.Errorf("send to parent: instance has no parent")
		}
		it.parent.deliver(spec.Event, it.id)
		return nil
	default:
		child, ok := it.reg.lookup(spec.To)
		if !ok {
			return fmt.Errorf("send to %q: no such child", spec.To)
		}
		return child.Send(spec.Event)
	}
}
