package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/arbelos/statomat/internal/chart"
	"github.com/google/uuid"
)

// Actor is a live addressable instance: a running child interpreter or a
// behavior wrapper. Addressing is local-process only.
type Actor interface {
	ID() string
	Send(event chart.Event) error
	Stop()
}

// mailbox is the delivery surface children use to reach their owner. Safe to
// call while the owner's macrostep is in progress; delivery is deferred, not
// interleaved.
type mailbox interface {
	deliver(event chart.Event, origin string)
}

// Behavior is a non-machine invoke source: a callback, a future, or an
// external stream. Start must not block; Stop must be idempotent.
type Behavior interface {
	Start(host Host)
	Stop()
}

// Receiver is implemented by behaviors that accept events from the owner.
type Receiver interface {
	Receive(event chart.Event)
}

// Host is the owning instance as seen by a spawned behavior.
type Host interface {
	ID() string
	SendParent(event chart.Event)
	Error(err error)
}

// BehaviorFactory builds a behavior for one invocation id.
type BehaviorFactory func() Behavior

// registry maps child ids to live actors and the state node that owns them.
// The drain loop mutates it, while Child and Spawn may run on a caller's
// goroutine concurrently with a timer-triggered step, so access is locked.
type registry struct {
	mu       sync.Mutex
	children map[string]*childEntry
}

type childEntry struct {
	actor Actor
	owner int // node index whose entry spawned the child; -1 for explicit spawns
}

func newRegistry() *registry {
	return &registry{children: make(map[string]*childEntry)}
}

func (r *registry) add(id string, a Actor, owner int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.children[id]; exists {
		return fmt.Errorf("child %q already registered", id)
	}
	r.children[id] = &childEntry{actor: a, owner: owner}
	return nil
}

func (r *registry) lookup(id string) (Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.children[id]
	if !ok {
		return nil, false
	}
	return e.actor, true
}

func (r *registry) stop(id string) bool {
	r.mu.Lock()
	e, ok := r.children[id]
	if ok {
		delete(r.children, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.actor.Stop()
	return true
}

// stopOwnedBy stops every child whose owning state is being exited. The
// child's mailbox is discarded with it.
func (r *registry) stopOwnedBy(owner int) {
	r.mu.Lock()
	var stopped []Actor
	for id, e := range r.children {
		if e.owner == owner {
			delete(r.children, id)
			stopped = append(stopped, e.actor)
		}
	}
	r.mu.Unlock()
	for _, a := range stopped {
		a.Stop()
	}
}

func (r *registry) stopAll() {
	r.mu.Lock()
	var stopped []Actor
	for id, e := range r.children {
		delete(r.children, id)
		stopped = append(stopped, e.actor)
	}
	r.mu.Unlock()
	for _, a := range stopped {
		a.Stop()
	}
}

// behaviorActor adapts a Behavior to the Actor contract and serves as its
// Host.
type behaviorActor struct {
	id       string
	behavior Behavior
	owner    mailbox
}

func newBehaviorActor(id string, b Behavior, owner mailbox) *behaviorActor {
	if id == "" {
		id = uuid.NewString()
	}
	return &behaviorActor{id: id, behavior: b, owner: owner}
}

func (a *behaviorActor) ID() string { return a.id }

func (a *behaviorActor) Send(event chart.Event) error {
	if rcv, ok := a.behavior.(Receiver); ok {
		rcv.Receive(event)
		return nil
	}
	return fmt.Errorf("child %q does not receive events", a.id)
}

func (a *behaviorActor) Stop() { a.behavior.Stop() }

func (a *behaviorActor) SendParent(event chart.Event) {
	a.owner.deliver(event, a.id)
}

func (a *behaviorActor) Error(err error) {
	a.owner.deliver(chart.Event{
		Type: chart.ErrorPlatform(a.id),
		Data: err.Error(),
	}, a.id)
}

// CallbackBehavior runs fn on its own goroutine. fn sends events to the
// owner via send and receives owner events on recv; returning a non-nil
// error delivers error.platform.<id> to the owner.
func CallbackBehavior(fn func(ctx context.Context, send func(chart.Event), recv <-chan chart.Event) error) BehaviorFactory {
	return func() Behavior {
		return &callbackBehavior{fn: fn, recv: make(chan chart.Event, 64)}
	}
}

type callbackBehavior struct {
	fn     func(ctx context.Context, send func(chart.Event), recv <-chan chart.Event) error
	recv   chan chart.Event
	cancel context.CancelFunc
}

func (b *callbackBehavior) Start(host Host) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				host.Error(fmt.Errorf("callback panic: %v", rec))
			}
		}()
		if err := b.fn(ctx, host.SendParent, b.recv); err != nil && ctx.Err() == nil {
			host.Error(err)
		}
	}()
}

func (b *callbackBehavior) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *callbackBehavior) Receive(event chart.Event) {
	select {
	case b.recv <- event:
	default: // slow callback drops rather than blocking the owner's step
	}
}

// FutureBehavior resolves fn once: success delivers done.invoke.<id> with
// the result as payload, failure delivers error.platform.<id>.
func FutureBehavior(fn func(ctx context.Context) (any, error)) BehaviorFactory {
	return func() Behavior {
		return &futureBehavior{fn: fn}
	}
}

type futureBehavior struct {
	fn     func(ctx context.Context) (any, error)
	cancel context.CancelFunc
}

func (b *futureBehavior) Start(host Host) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				host.Error(fmt.Errorf("future panic: %v", rec))
			}
		}()
		result, err := b.fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			host.Error(err)
			return
		}
		host.SendParent(chart.Event{Type: chart.DoneInvoke(host.ID()), Data: result})
	}()
}

func (b *futureBehavior) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

// StreamBehavior forwards every event from ch to the owner until the channel
// closes or the invocation is stopped.
func StreamBehavior(ch <-chan chart.Event) BehaviorFactory {
	return func() Behavior {
		return &streamBehavior{ch: ch, done: make(chan struct{})}
	}
}

type streamBehavior struct {
	ch   <-chan chart.Event
	done chan struct{}
}

func (b *streamBehavior) Start(host Host) {
	go func() {
		for {
			select {
			case evt, ok := <-b.ch:
				if !ok {
					return
				}
				host.SendParent(evt)
			case <-b.done:
				return
			}
		}
	}()
}

func (b *streamBehavior) Stop() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}
