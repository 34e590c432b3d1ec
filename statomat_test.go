package statomat_test

import (
	"context"
	"testing"

	. "github.com/arbelos/statomat"
	"github.com/arbelos/statomat/persist"
)

// Two full-context increments compose left to right.
func TestAssignIncrementsCompose(t *testing.T) {
	machine, err := NewMachineBuilder("counter", "idle").
		Context(Context{"count": 0}).
		State("idle").
		Internal("INC", AssignFunc(func(ctx Context, _ Event, _ Meta) Context {
			return Context{"count": ctx["count"].(int) + 1}
		})).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	itp := NewInterpreter(machine)
	if err := itp.Start(); err != nil {
		t.Fatal(err)
	}
	defer itp.Stop()

	itp.Send(NewEvent("INC", nil))
	itp.Send(NewEvent("INC", nil))
	if got := itp.Snapshot().Context["count"]; got != 2 {
		t.Errorf("count = %v, want 2", got)
	}
}

// An event-payload assigner writes the payload into the context.
func TestAssignFromEventPayload(t *testing.T) {
	machine, err := NewMachineBuilder("counter", "idle").
		Context(Context{"count": 0}).
		State("idle").
		Internal("INC", AssignKeys(map[string]KeyAssigner{
			"count": func(_ Context, evt Event, _ Meta) any { return evt.Data },
		})).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	itp := NewInterpreter(machine)
	if err := itp.Start(); err != nil {
		t.Fatal(err)
	}
	defer itp.Stop()

	itp.Send(NewEvent("INC", 30))
	if got := itp.Snapshot().Context["count"]; got != 30 {
		t.Errorf("count = %v, want 30", got)
	}
}

// A spawned child answers PING with a parent-bound PONG; the parent's
// catch-all handler logs both events in arrival order with the child's id as
// origin on the PONG.
func TestChildPingPongEventLog(t *testing.T) {
	type logged struct {
		event  string
		origin string
	}
	var eventLog []logged

	responder := NewMachineBuilder("responder", "ready").
		State("ready").
		Internal("PING", SendTo(NewEvent("PONG", nil), TargetParent)).
		Config()

	machine, err := NewMachineBuilder("parent", "active").
		State("active").
		InvokeMachine("child", responder).
		Internal(Wildcard, Do("logEvent", nil)).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	itp := NewInterpreter(machine, WithActions(map[string]ActionImpl{
		"logEvent": func(_ Context, evt Event, meta Meta) (*Action, error) {
			eventLog = append(eventLog, logged{event: evt.Type, origin: meta.Origin})
			if evt.Type == "PING_CHILD" {
				forward := SendTo(NewEvent("PING", nil), "child")
				return &forward, nil
			}
			return nil, nil
		},
	}))
	if err := itp.Start(); err != nil {
		t.Fatal(err)
	}
	defer itp.Stop()

	itp.Send(NewEvent("PING_CHILD", nil))

	if len(eventLog) != 2 {
		t.Fatalf("event log = %v", eventLog)
	}
	if eventLog[0].event != "PING_CHILD" || eventLog[0].origin != "" {
		t.Errorf("first logged = %+v, want PING_CHILD from outside", eventLog[0])
	}
	if eventLog[1].event != "PONG" || eventLog[1].origin != "child" {
		t.Errorf("second logged = %+v, want PONG from child", eventLog[1])
	}
}

// After stop: no snapshots, no addressable children.
func TestStoppedInstanceGoesQuiet(t *testing.T) {
	responder := NewMachineBuilder("responder", "ready").
		State("ready").
		Internal("PING", SendTo(NewEvent("PONG", nil), TargetParent)).
		Config()

	machine, err := NewMachineBuilder("parent", "active").
		State("active").
		InvokeMachine("child", responder).
		On("CYCLE", "active").
		Build()
	if err != nil {
		t.Fatal(err)
	}

	itp := NewInterpreter(machine)
	if err := itp.Start(); err != nil {
		t.Fatal(err)
	}

	snapshots := 0
	itp.Subscribe(func(Snapshot) { snapshots++ })

	itp.Stop()
	if err := itp.Send(NewEvent("CYCLE", nil)); err != nil {
		t.Errorf("send after stop: %v", err)
	}
	if snapshots != 0 {
		t.Errorf("snapshots after stop = %d", snapshots)
	}
	if _, ok := itp.Child("child"); ok {
		t.Error("child still addressable after stop")
	}
}

func TestYAMLDefinitionEndToEnd(t *testing.T) {
	cfg, err := LoadConfig([]byte(`
id: order
initial: pending
context:
  retries: 0
states:
  - id: pending
    on:
      SUBMIT:
        - target: review
  - id: review
    on:
      APPROVE:
        - target: done
          actions:
            - assign: {approved: true}
      REJECT:
        - target: pending
  - id: done
    type: final
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	machine, err := Compile(cfg)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	itp := NewInterpreter(machine)
	if err := itp.Start(); err != nil {
		t.Fatal(err)
	}
	defer itp.Stop()

	itp.Send(NewEvent("SUBMIT", nil))
	itp.Send(NewEvent("APPROVE", nil))
	snap := itp.Snapshot()
	if snap.Value != "done" || !snap.Done {
		t.Errorf("snapshot = %v done=%v", snap.Value, snap.Done)
	}
	if snap.Context["approved"] != true {
		t.Errorf("context = %v", snap.Context)
	}
}

// Stop an instance, persist its snapshot, rehydrate a fresh one, and keep
// going.
func TestPersistAndRehydrate(t *testing.T) {
	machine, err := NewMachineBuilder("saga", "step1").
		Context(Context{"progress": 0}).
		State("step1").On("NEXT", "step2", Assign(map[string]any{"progress": 1})).
		State("step2").On("NEXT", "step3", Assign(map[string]any{"progress": 2})).
		State("step3").Final().
		Build()
	if err != nil {
		t.Fatal(err)
	}

	store, err := persist.NewYAMLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first := NewInterpreter(machine, WithID("saga-1"))
	if err := first.Start(); err != nil {
		t.Fatal(err)
	}
	first.Send(NewEvent("NEXT", nil))
	if err := store.Save(ctx, first.ID(), *first.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	first.Stop()

	restored, err := store.Load(ctx, "saga-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second := NewInterpreter(machine, WithSnapshot(&restored))
	if err := second.Start(); err != nil {
		t.Fatal(err)
	}
	defer second.Stop()

	if got := second.Snapshot().Value; got != "step2" {
		t.Fatalf("rehydrated value = %v", got)
	}
	second.Send(NewEvent("NEXT", nil))
	snap := second.Snapshot()
	if snap.Value != "step3" || !snap.Done {
		t.Errorf("final snapshot = %v done=%v", snap.Value, snap.Done)
	}
}
