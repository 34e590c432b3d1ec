package engine

import (
	"testing"
	"time"

	"github.com/arbelos/statomat/internal/chart"
)

func counterMachine(t *testing.T, actions map[string][]chart.TransitionConfig) *chart.Machine {
	t.Helper()
	return compile(t, &chart.MachineConfig{
		ID:      "counter",
		Initial: "idle",
		Context: map[string]any{"count": 0},
		States:  []*chart.StateConfig{{ID: "idle", On: actions}},
	})
}

func TestStaticAssignMergesShallowly(t *testing.T) {
	m := compile(t, &chart.MachineConfig{
		ID:      "merge",
		Initial: "idle",
		Context: map[string]any{"count": 0, "name": "left alone"},
		States: []*chart.StateConfig{
			{ID: "idle", On: map[string][]chart.TransitionConfig{
				"SET": {{Actions: []chart.Action{chart.Assign(map[string]any{"count": 7})}}},
			}},
		},
	})
	it := NewInterpreter(m)
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	it.Send(chart.NewEvent("SET", nil))
	ctx := it.Snapshot().Context
	if ctx["count"] != 7 {
		t.Errorf("count = %v", ctx["count"])
	}
	if ctx["name"] != "left alone" {
		t.Errorf("unrelated key = %v", ctx["name"])
	}
}

func TestKeyedAssignReadsContextAndEvent(t *testing.T) {
	m := counterMachine(t, map[string][]chart.TransitionConfig{
		"ADD": {{Actions: []chart.Action{chart.AssignKeys(map[string]chart.KeyAssigner{
			"count": func(ctx chart.Context, evt chart.Event, _ chart.Meta) any {
				return ctx["count"].(int) + evt.Data.(int)
			},
		})}}},
	})
	it := NewInterpreter(m)
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	it.Send(chart.NewEvent("ADD", 30))
	if got := it.Snapshot().Context["count"]; got != 30 {
		t.Errorf("count = %v, want 30", got)
	}
	it.Send(chart.NewEvent("ADD", 12))
	if got := it.Snapshot().Context["count"]; got != 42 {
		t.Errorf("count = %v, want 42", got)
	}
}

func TestFullAssignReplacesContext(t *testing.T) {
	m := counterMachine(t, map[string][]chart.TransitionConfig{
		"REPLACE": {{Actions: []chart.Action{chart.AssignFunc(
			func(ctx chart.Context, _ chart.Event, _ chart.Meta) chart.Context {
				return chart.Context{"count": ctx["count"].(int) + 1}
			},
		)}}},
		"NOOP": {{Actions: []chart.Action{chart.AssignFunc(
			func(chart.Context, chart.Event, chart.Meta) chart.Context { return nil },
		)}}},
	})
	it := NewInterpreter(m)
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	it.Send(chart.NewEvent("REPLACE", nil))
	it.Send(chart.NewEvent("REPLACE", nil))
	if got := it.Snapshot().Context["count"]; got != 2 {
		t.Errorf("count = %v, want 2", got)
	}

	// A nil return leaves the context untouched.
	it.Send(chart.NewEvent("NOOP", nil))
	if got := it.Snapshot().Context["count"]; got != 2 {
		t.Errorf("count after nil assign = %v, want 2", got)
	}
}

func TestAssignsApplyInListOrder(t *testing.T) {
	m := counterMachine(t, map[string][]chart.TransitionConfig{
		"TWICE": {{Actions: []chart.Action{
			chart.AssignKeys(map[string]chart.KeyAssigner{
				"count": func(ctx chart.Context, _ chart.Event, _ chart.Meta) any {
					return ctx["count"].(int) + 1
				},
			}),
			chart.AssignKeys(map[string]chart.KeyAssigner{
				// Sees the first assign's result, not the pre-step context.
				"count": func(ctx chart.Context, _ chart.Event, _ chart.Meta) any {
					return ctx["count"].(int) * 10
				},
			}),
		}}},
	})
	it := NewInterpreter(m)
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	it.Send(chart.NewEvent("TWICE", nil))
	if got := it.Snapshot().Context["count"]; got != 10 {
		t.Errorf("count = %v, want 10", got)
	}
}

func TestAssignDoesNotMutatePriorSnapshots(t *testing.T) {
	m := counterMachine(t, map[string][]chart.TransitionConfig{
		"BUMP": {{Actions: []chart.Action{chart.AssignKeys(map[string]chart.KeyAssigner{
			"count": func(ctx chart.Context, _ chart.Event, _ chart.Meta) any {
				return ctx["count"].(int) + 1
			},
		})}}},
	})
	it := NewInterpreter(m)
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	it.Send(chart.NewEvent("BUMP", nil))
	captured := it.Snapshot().Context
	it.Send(chart.NewEvent("BUMP", nil))

	if captured["count"] != 1 {
		t.Errorf("captured context mutated: %v", captured["count"])
	}
	if got := it.Snapshot().Context["count"]; got != 2 {
		t.Errorf("count = %v, want 2", got)
	}
}

func TestNamedActionDelegationKeepsProvenance(t *testing.T) {
	var seenName string
	var seenParams map[string]any

	m := counterMachine(t, map[string][]chart.TransitionConfig{
		"BUMP": {{Actions: []chart.Action{chart.Do("bump", map[string]any{"by": 5})}}},
	})
	it := NewInterpreter(m, WithActions(map[string]chart.ActionImpl{
		"bump": func(_ chart.Context, _ chart.Event, meta chart.Meta) (*chart.Action, error) {
			a := chart.AssignKeys(map[string]chart.KeyAssigner{
				"count": func(ctx chart.Context, _ chart.Event, inner chart.Meta) any {
					// The delegated assign still sees the original descriptor.
					seenName = inner.Action.Name
					seenParams = inner.Action.Params
					return ctx["count"].(int) + inner.Action.Params["by"].(int)
				},
			})
			_ = meta
			return &a, nil
		},
	}))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	it.Send(chart.NewEvent("BUMP", nil))
	if got := it.Snapshot().Context["count"]; got != 5 {
		t.Errorf("count = %v, want 5", got)
	}
	if seenName != "bump" {
		t.Errorf("meta action name = %q, want bump", seenName)
	}
	if seenParams["by"] != 5 {
		t.Errorf("meta action params = %v", seenParams)
	}
}

func TestMissingNamedActionIsReported(t *testing.T) {
	var reported []error
	m := counterMachine(t, map[string][]chart.TransitionConfig{
		"GO": {{Actions: []chart.Action{chart.Do("nobody", nil)}}},
	})
	it := NewInterpreter(m, WithErrorListener(func(err error) { reported = append(reported, err) }))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	it.Send(chart.NewEvent("GO", nil))
	if len(reported) != 1 {
		t.Errorf("reported errors = %v", reported)
	}
}

func TestMetaStateIsNilDuringInitialEntry(t *testing.T) {
	var initialState, laterState *chart.Snapshot
	sawInitial := false

	m := compile(t, &chart.MachineConfig{
		ID:      "meta",
		Initial: "a",
		States: []*chart.StateConfig{
			{
				ID:    "a",
				Entry: []chart.Action{chart.Do("first", nil)},
				On: map[string][]chart.TransitionConfig{
					"GO": {{Target: "b", Actions: []chart.Action{chart.Do("later", nil)}}},
				},
			},
			{ID: "b"},
		},
	})
	it := NewInterpreter(m, WithActions(map[string]chart.ActionImpl{
		"first": func(_ chart.Context, _ chart.Event, meta chart.Meta) (*chart.Action, error) {
			initialState = meta.State
			sawInitial = true
			return nil, nil
		},
		"later": func(_ chart.Context, _ chart.Event, meta chart.Meta) (*chart.Action, error) {
			laterState = meta.State
			return nil, nil
		},
	}))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	if !sawInitial {
		t.Fatal("initial entry action did not run")
	}
	if initialState != nil {
		t.Errorf("meta.State during initial entry = %v, want nil", initialState)
	}

	it.Send(chart.NewEvent("GO", nil))
	if laterState == nil {
		t.Fatal("meta.State nil during later step")
	}
	if laterState.Value != "a" {
		t.Errorf("meta.State value = %v, want pre-step a", laterState.Value)
	}
}

func TestSendToSelfDeliversAfterMacrostep(t *testing.T) {
	m := compile(t, &chart.MachineConfig{
		ID:      "echo",
		Initial: "a",
		States: []*chart.StateConfig{
			{ID: "a", On: map[string][]chart.TransitionConfig{
				"POKE": {{Actions: []chart.Action{chart.SendTo(chart.NewEvent("REPLY", nil), chart.TargetSelf)}}},
				"REPLY": {{Target: "b"}},
			}},
			{ID: "b"},
		},
	})
	it := NewInterpreter(m)
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	var values []any
	it.Subscribe(func(s chart.Snapshot) { values = append(values, s.Value) })

	it.Send(chart.NewEvent("POKE", nil))
	// The self-send settles as its own macrostep after the POKE one.
	if len(values) != 2 || values[0] != "a" || values[1] != "b" {
		t.Errorf("observed values = %v, want [a b]", values)
	}
}

func TestDelayedSendFiresThroughClock(t *testing.T) {
	clock := NewVirtualClock()
	m := compile(t, &chart.MachineConfig{
		ID:      "delayed",
		Initial: "waiting",
		States: []*chart.StateConfig{
			{
				ID:    "waiting",
				Entry: []chart.Action{chart.SendAfter(chart.NewEvent("TIMEOUT", nil), chart.TargetSelf, 5*time.Second, "timeout")},
				On: map[string][]chart.TransitionConfig{
					"TIMEOUT": {{Target: "expired"}},
				},
			},
			{ID: "expired"},
		},
	})
	it := NewInterpreter(m, WithClock(clock))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	clock.Advance(4 * time.Second)
	if got := it.Snapshot().Value; got != "waiting" {
		t.Fatalf("fired early: %v", got)
	}
	clock.Advance(1 * time.Second)
	if got := it.Snapshot().Value; got != "expired" {
		t.Errorf("value = %v, want expired", got)
	}
	if clock.Pending() != 0 {
		t.Errorf("pending timers = %d", clock.Pending())
	}
	if len(it.timerIDs) != 0 {
		t.Errorf("timer ids retained after fire = %v", it.timerIDs)
	}
}

func TestDelayedSendResolvesTargetAtFireTime(t *testing.T) {
	clock := NewVirtualClock()
	helper := &chart.MachineConfig{
		ID:      "helper",
		Initial: "ready",
		States: []*chart.StateConfig{
			{ID: "ready", On: map[string][]chart.TransitionConfig{
				"POKE": {{Actions: []chart.Action{chart.SendTo(chart.NewEvent("POKED", nil), chart.TargetParent)}}},
			}},
		},
	}
	m := compile(t, &chart.MachineConfig{
		ID:      "owner",
		Initial: "hosting",
		States: []*chart.StateConfig{
			{
				ID: "hosting",
				// Scheduled before the invoke registers the child; the
				// target must only be resolved once the timer fires.
				Entry:  []chart.Action{chart.SendAfter(chart.NewEvent("POKE", nil), "helper", time.Second, "poke")},
				Invoke: []chart.InvokeConfig{{ID: "helper", Machine: helper}},
				On: map[string][]chart.TransitionConfig{
					"POKED": {{Target: "answered"}},
				},
			},
			{ID: "answered"},
		},
	})
	it := NewInterpreter(m, WithClock(clock))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	clock.Advance(time.Second)
	if got := it.Snapshot().Value; got != "answered" {
		t.Errorf("value = %v, want answered", got)
	}
}

func TestCancelSendClearsPendingTimer(t *testing.T) {
	clock := NewVirtualClock()
	m := compile(t, &chart.MachineConfig{
		ID:      "cancellable",
		Initial: "waiting",
		States: []*chart.StateConfig{
			{
				ID:    "waiting",
				Entry: []chart.Action{chart.SendAfter(chart.NewEvent("TIMEOUT", nil), chart.TargetSelf, 5*time.Second, "timeout")},
				On: map[string][]chart.TransitionConfig{
					"ABORT":   {{Actions: []chart.Action{chart.CancelSend("timeout")}}},
					"TIMEOUT": {{Target: "expired"}},
				},
			},
			{ID: "expired"},
		},
	})
	it := NewInterpreter(m, WithClock(clock))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	it.Send(chart.NewEvent("ABORT", nil))
	if clock.Pending() != 0 {
		t.Fatalf("pending timers after cancel = %d", clock.Pending())
	}
	clock.Advance(10 * time.Second)
	if got := it.Snapshot().Value; got != "waiting" {
		t.Errorf("value = %v, want waiting", got)
	}
}

func TestTimedTransitionCancelledOnExit(t *testing.T) {
	clock := NewVirtualClock()
	m := compile(t, &chart.MachineConfig{
		ID:      "traffic",
		Initial: "red",
		States: []*chart.StateConfig{
			{
				ID:    "red",
				After: []chart.DelayConfig{{After: 2 * time.Second, Transition: chart.TransitionConfig{Target: "green"}}},
				On:    map[string][]chart.TransitionConfig{"POWER_OUT": {{Target: "flashing"}}},
			},
			{ID: "green"},
			{ID: "flashing"},
		},
	})
	it := NewInterpreter(m, WithClock(clock))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	if clock.Pending() != 1 {
		t.Fatalf("pending timers after entry = %d", clock.Pending())
	}
	it.Send(chart.NewEvent("POWER_OUT", nil))
	if clock.Pending() != 0 {
		t.Fatalf("pending timers after exit = %d", clock.Pending())
	}
	clock.Advance(time.Minute)
	if got := it.Snapshot().Value; got != "flashing" {
		t.Errorf("value = %v, want flashing", got)
	}
}

func TestTimedTransitionFires(t *testing.T) {
	clock := NewVirtualClock()
	m := compile(t, &chart.MachineConfig{
		ID:      "traffic",
		Initial: "red",
		States: []*chart.StateConfig{
			{ID: "red", After: []chart.DelayConfig{{After: 2 * time.Second, Transition: chart.TransitionConfig{Target: "green"}}}},
			{ID: "green", After: []chart.DelayConfig{{After: 2 * time.Second, Transition: chart.TransitionConfig{Target: "red"}}}},
		},
	})
	it := NewInterpreter(m, WithClock(clock))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	defer it.Stop()

	clock.Advance(2 * time.Second)
	if got := it.Snapshot().Value; got != "green" {
		t.Fatalf("value = %v, want green", got)
	}
	// Re-entry scheduled the next leg; advancing again cycles back.
	clock.Advance(2 * time.Second)
	if got := it.Snapshot().Value; got != "red" {
		t.Errorf("value = %v, want red", got)
	}
}

func TestStoppedInterpreterCancelsPendingDelays(t *testing.T) {
	clock := NewVirtualClock()
	m := compile(t, &chart.MachineConfig{
		ID:      "shutdown",
		Initial: "waiting",
		States: []*chart.StateConfig{
			{ID: "waiting", After: []chart.DelayConfig{{After: time.Second, Transition: chart.TransitionConfig{Target: "late"}}}},
			{ID: "late"},
		},
	})
	it := NewInterpreter(m, WithClock(clock))
	if err := it.Start(); err != nil {
		t.Fatal(err)
	}
	it.Stop()

	if clock.Pending() != 0 {
		t.Errorf("pending timers after stop = %d", clock.Pending())
	}
}
