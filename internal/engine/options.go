package engine

import (
	"log/slog"

	"github.com/arbelos/statomat/internal/chart"
)

// Option applies configuration to an Interpreter via the functional options
// pattern.
type Option func(*Interpreter)

// WithClock substitutes the timer collaborator (virtual clocks in tests).
func WithClock(c Clock) Option {
	return func(it *Interpreter) { it.clock = c }
}

// WithLogger sets the structured logger used for recovered panics and
// action failures.
func WithLogger(l *slog.Logger) Option {
	return func(it *Interpreter) { it.logger = l }
}

// WithActions registers named action implementations resolved at execution
// time.
func WithActions(actions map[string]chart.ActionImpl) Option {
	return func(it *Interpreter) {
		for name, impl := range actions {
			it.actions[name] = impl
		}
	}
}

// WithGuards registers named guard predicates.
func WithGuards(guards map[string]chart.GuardFunc) Option {
	return func(it *Interpreter) {
		for name, g := range guards {
			it.guards[name] = g
		}
	}
}

// WithBehaviors registers invoke-source factories resolved by name.
func WithBehaviors(behaviors map[string]BehaviorFactory) Option {
	return func(it *Interpreter) {
		for name, f := range behaviors {
			it.behaviors[name] = f
		}
	}
}

// WithErrorListener registers a callback for guard, action and child
// failures, in addition to the error.platform.* events.
func WithErrorListener(fn func(error)) Option {
	return func(it *Interpreter) { it.errListener = fn }
}

// WithSnapshot rehydrates the interpreter from a previously emitted
// snapshot instead of the initial configuration. Start then resumes from the
// recorded configuration, context and history without re-running entry
// actions.
func WithSnapshot(snap *chart.Snapshot) Option {
	return func(it *Interpreter) { it.restore = snap }
}

// WithID overrides the generated instance id.
func WithID(id string) Option {
	return func(it *Interpreter) { it.id = id }
}

// withParent links a spawned child to its owner's mailbox.
func withParent(m mailbox) Option {
	return func(it *Interpreter) { it.parent = m }
}
