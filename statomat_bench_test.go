package statomat_test

import (
	"testing"

	. "github.com/arbelos/statomat"
)

// BenchmarkStateTransition measures one flat transition per send.
func BenchmarkStateTransition(b *testing.B) {
	machine, err := NewMachineBuilder("bench", "a").
		State("a").On("GO", "b").
		State("b").On("GO", "a").
		Build()
	if err != nil {
		b.Fatal(err)
	}
	itp := NewInterpreter(machine)
	if err := itp.Start(); err != nil {
		b.Fatal(err)
	}
	defer itp.Stop()

	evt := NewEvent("GO", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		itp.Send(evt)
	}
}

// BenchmarkNestedTransition measures a transition crossing three levels of
// hierarchy, exercising domain computation and ordered exit/entry.
func BenchmarkNestedTransition(b *testing.B) {
	machine, err := NewMachineBuilder("bench", "left").
		State("left").Initial("mid").
		State("left.mid").Initial("leaf").
		State("left.mid.leaf").On("SWAP", "right.mid.leaf").
		State("right").Initial("mid").
		State("right.mid").Initial("leaf").
		State("right.mid.leaf").On("SWAP", "left.mid.leaf").
		Build()
	if err != nil {
		b.Fatal(err)
	}
	itp := NewInterpreter(machine)
	if err := itp.Start(); err != nil {
		b.Fatal(err)
	}
	defer itp.Stop()

	evt := NewEvent("SWAP", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		itp.Send(evt)
	}
}

// BenchmarkAssign measures context-update cost per internal transition.
func BenchmarkAssign(b *testing.B) {
	machine, err := NewMachineBuilder("bench", "a").
		Context(Context{"count": 0}).
		State("a").
		Internal("INC", AssignKeys(map[string]KeyAssigner{
			"count": func(ctx Context, _ Event, _ Meta) any {
				return ctx["count"].(int) + 1
			},
		})).
		Build()
	if err != nil {
		b.Fatal(err)
	}
	itp := NewInterpreter(machine)
	if err := itp.Start(); err != nil {
		b.Fatal(err)
	}
	defer itp.Stop()

	evt := NewEvent("INC", nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		itp.Send(evt)
	}
}
