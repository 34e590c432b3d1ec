package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arbelos/statomat/internal/chart"
	"github.com/google/uuid"
)

// Status is the interpreter lifecycle state. Stopped is terminal.
type Status int

const (
	NotStarted Status = iota
	Running
	Stopped
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotStarted is returned by Send before Start. Queued-then-dropped
	// semantics were rejected: an early send is a caller bug and stays loud.
	ErrNotStarted = errors.New("interpreter not started")
)

// queuedEvent is one mailbox entry: the event plus the id of the actor it
// arrived from ("" for external senders). A fired delayed send enqueues the
// spec instead of an event; the drain loop resolves its target, keeping all
// registry access on the step goroutine.
type queuedEvent struct {
	event  chart.Event
	origin string
	send   *chart.SendSpec
	timer  string
}

// Interpreter drives one running instance of a compiled machine.
//
// Scheduling is single-threaded and cooperative: exactly one goroutine at a
// time runs the drain loop, everyone else only appends to the mailbox. The
// mutex guards the queues and lifecycle flags, never the step execution
// itself, so re-entrant sends from actions, timers and children cannot
// deadlock; they defer processing instead of interleaving it.
type Interpreter struct {
	m  *chart.Machine
	id string

	mu         sync.Mutex
	status     Status
	processing bool
	external   []queuedEvent
	internal   []queuedEvent
	subs       map[int]func(chart.Snapshot)
	nextSub    int

	// Engine state below is touched only by the goroutine holding the
	// processing flag.
	leaves   []int
	context  chart.Context
	last     *chart.Snapshot
	log      []string
	changed  bool
	done     bool
	hist     *historyManager
	reg      *registry
	res      *resolver
	timerIDs map[string]bool

	clock       Clock
	logger      *slog.Logger
	actions     map[string]chart.ActionImpl
	guards      map[string]chart.GuardFunc
	behaviors   map[string]BehaviorFactory
	errListener func(error)
	parent      mailbox
	restore     *chart.Snapshot
}

// NewInterpreter creates an interpreter for a compiled machine. The machine
// is shared; all per-instance state lives here.
func NewInterpreter(m *chart.Machine, opts ...Option) *Interpreter {
	it := &Interpreter{
		m:         m,
		id:        uuid.NewString(),
		context:   m.InitialContext(),
		subs:      make(map[int]func(chart.Snapshot)),
		hist:      newHistoryManager(),
		reg:       newRegistry(),
		timerIDs:  make(map[string]bool),
		actions:   make(map[string]chart.ActionImpl),
		guards:    make(map[string]chart.GuardFunc),
		behaviors: make(map[string]BehaviorFactory),
	}
	for _, opt := range opts {
		opt(it)
	}
	if it.clock == nil {
		it.clock = NewWallClock()
	}
	if it.logger == nil {
		it.logger = slog.Default()
	}
	it.res = &resolver{m: m, guards: it.guards, onErr: it.reportError}
	return it
}

// ID returns the instance id.
func (it *Interpreter) ID() string { return it.id }

// Machine returns the shared compiled definition.
func (it *Interpreter) Machine() *chart.Machine { return it.m }

// Status returns the lifecycle state.
func (it *Interpreter) Status() Status {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

// Snapshot returns the last settled snapshot, or nil before Start.
func (it *Interpreter) Snapshot() *chart.Snapshot {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.last
}

// Subscribe registers a listener for every settled snapshot. The returned
// function unsubscribes.
func (it *Interpreter) Subscribe(fn func(chart.Snapshot)) func() {
	it.mu.Lock()
	defer it.mu.Unlock()
	id := it.nextSub
	it.nextSub++
	it.subs[id] = fn
	return func() {
		it.mu.Lock()
		defer it.mu.Unlock()
		delete(it.subs, id)
	}
}

// Start enters the initial configuration (or the rehydrated one when a
// snapshot was supplied), runs initial entry actions with a nil pre-step
// snapshot, drains any events they raised, and emits the first snapshot.
// Idempotent on a running instance; an error is returned on a stopped one.
func (it *Interpreter) Start() error {
	it.mu.Lock()
	switch it.status {
	case Running:
		it.mu.Unlock()
		return nil
	case Stopped:
		it.mu.Unlock()
		return errors.New("interpreter is stopped")
	}
	it.status = Running
	it.processing = true
	it.mu.Unlock()

	if it.restore != nil {
		if err := it.rehydrate(it.restore); err != nil {
			it.mu.Lock()
			it.status = Stopped
			it.processing = false
			it.mu.Unlock()
			return err
		}
	} else {
		root := it.m.Root()
		entered, leaves := it.res.descend(root, it.hist)
		it.leaves = leaves
		it.changed = true
		for _, n := range entered {
			if n == root {
				continue
			}
			if !it.enterNode(n, chart.Event{}, "") {
				break
			}
		}
		it.synthesizeDone(entered)
	}

	// Entry actions that raised nothing leave the mailbox empty; the drain
	// loop would then return without ever publishing the initial snapshot.
	it.mu.Lock()
	quiet := len(it.internal) == 0 && len(it.external) == 0 && it.status == Running
	it.mu.Unlock()
	if quiet {
		it.emit()
	}

	it.drain()
	return nil
}

// rehydrate applies a snapshot in place of initial entry. Entry actions and
// invokes do not re-run; the caller owns re-establishing external resources.
func (it *Interpreter) rehydrate(snap *chart.Snapshot) error {
	leaves, err := it.m.LeavesFor(snap.Paths)
	if err != nil {
		return err
	}
	if len(leaves) == 0 {
		return errors.New("snapshot: no active states recorded")
	}
	it.leaves = leaves
	it.context = chart.CloneContext(snap.Context)
	it.hist.restore(it.m, snap.History)
	it.done = snap.Done
	it.changed = false
	return nil
}

// Send enqueues an external event. Before Start it returns ErrNotStarted;
// after Stop it is a documented no-op returning nil. When no step is in
// progress the mailbox is drained synchronously, so the caller observes the
// fully settled snapshot once Send returns.
func (it *Interpreter) Send(event chart.Event) error {
	it.mu.Lock()
	switch it.status {
	case NotStarted:
		it.mu.Unlock()
		return ErrNotStarted
	case Stopped:
		it.mu.Unlock()
		return nil
	}
	it.external = append(it.external, queuedEvent{event: event})
	if it.processing {
		it.mu.Unlock()
		return nil
	}
	it.processing = true
	it.mu.Unlock()
	it.drain()
	return nil
}

// deliver is the mailbox entry point for children, timers and parents.
// Safe to call at any time; events arriving before Start or after Stop are
// dropped.
func (it *Interpreter) deliver(event chart.Event, origin string) {
	it.enqueue(queuedEvent{event: event, origin: origin})
}

// enqueue appends one mailbox entry and drains when no step is in progress.
// The only operation other goroutines may perform against a running
// instance.
func (it *Interpreter) enqueue(q queuedEvent) {
	it.mu.Lock()
	if it.status != Running {
		it.mu.Unlock()
		return
	}
	it.external = append(it.external, q)
	if it.processing {
		it.mu.Unlock()
		return
	}
	it.processing = true
	it.mu.Unlock()
	it.drain()
}

// raise appends an internal event, consumed before the next external one.
// Only the drain loop calls this.
func (it *Interpreter) raise(event chart.Event, origin string) {
	it.mu.Lock()
	it.internal = append(it.internal, queuedEvent{event: event, origin: origin})
	it.mu.Unlock()
}

// drain is the macrostep loop. Called with mu NOT held but with the
// processing flag owned by this goroutine (set under mu by the caller). It
// processes one queued event per microstep, always exhausting internal
// events before dequeuing the next external one, and emits a settled
// snapshot at each stable point. An explicit loop, not recursion: raise
// cascades cannot grow the stack. A Stop observed between microsteps makes
// this loop run the teardown before releasing the processing flag.
func (it *Interpreter) drain() {
	for {
		it.mu.Lock()
		if it.status != Running {
			it.mu.Unlock()
			it.teardown()
			it.mu.Lock()
			it.processing = false
			it.mu.Unlock()
			return
		}
		var q queuedEvent
		switch {
		case len(it.internal) > 0:
			q = it.internal[0]
			it.internal = it.internal[1:]
		case len(it.external) > 0:
			q = it.external[0]
			it.external = it.external[1:]
		default:
			it.processing = false
			it.mu.Unlock()
			return
		}
		it.mu.Unlock()

		routed := q.send != nil
		if routed {
			it.routeSend(q)
		} else {
			it.microstep(q)
		}

		it.mu.Lock()
		settled := !routed && len(it.internal) == 0 && it.status == Running
		it.mu.Unlock()
		if settled {
			it.emit()
		}
	}
}

// routeSend resolves a fired delayed send. Runs on the drain goroutine so
// the registry and timer bookkeeping stay single-threaded.
func (it *Interpreter) routeSend(q queuedEvent) {
	delete(it.timerIDs, q.timer)
	if err := it.deliverTo(q.send); err != nil {
		it.reportError("send", err)
	}
}

// microstep resolves and executes one event.
func (it *Interpreter) microstep(q queuedEvent) {
	if it.done {
		return
	}
	plan := it.res.resolve(it.leaves, it.context, q.event, it.hist)
	plan.Origin = q.origin
	it.apply(plan)
}

// apply executes a plan: history recording, exits deepest-first with invoke
// and timer teardown, transition actions in selection order, entries
// shallowest-first with invoke start and delay scheduling, then done-event
// synthesis. An action failure aborts the remainder of the list; the
// configuration still moves to the plan's target per the already-exited and
// to-be-entered node sets.
func (it *Interpreter) apply(plan *Plan) {
	if plan.Changed {
		it.changed = true
	}

	activeBefore := it.m.ActiveSet(it.leaves)
	for _, n := range plan.Exited {
		it.hist.record(it.m, n, activeBefore)
	}

	aborted := false
	for _, n := range plan.Exited {
		if !aborted {
			node := it.m.NodeAt(n)
			for i := range node.Exit {
				if !it.runAction(&node.Exit[i], plan.Event, plan.Origin) {
					aborted = true
					break
				}
			}
		}
		it.reg.stopOwnedBy(n)
		it.cancelDelays(n)
	}

	if !aborted {
		for _, t := range plan.Transitions {
			for i := range t.Actions {
				if !it.runAction(&t.Actions[i], plan.Event, plan.Origin) {
					aborted = true
					break
				}
			}
			if aborted {
				break
			}
		}
	}

	it.leaves = plan.Leaves

	for _, n := range plan.Entered {
		if aborted {
			break
		}
		if !it.enterNode(n, plan.Event, plan.Origin) {
			aborted = true
		}
	}

	if !aborted {
		it.synthesizeDone(plan.Entered)
	}
}

// enterNode runs a node's entry actions, starts its invokes, and schedules
// its timed transitions. Returns false when an entry action aborted the
// step.
func (it *Interpreter) enterNode(n int, evt chart.Event, origin string) bool {
	node := it.m.NodeAt(n)
	for i := range node.Entry {
		if !it.runAction(&node.Entry[i], evt, origin) {
			return false
		}
	}
	for i := range node.Invoke {
		it.startInvoke(n, i, node.Invoke[i])
	}
	for _, d := range node.After {
		evtType := d.EventType
		it.timerIDs[evtType] = true
		it.clock.SetTimer(evtType, d.After, func() {
			it.deliver(chart.Event{Type: evtType}, "")
		})
	}
	return true
}

func (it *Interpreter) cancelDelays(n int) {
	for _, d := range it.m.NodeAt(n).After {
		it.clock.ClearTimer(d.EventType)
		delete(it.timerIDs, d.EventType)
	}
}

// startInvoke spawns the child actor declared by an invoke specification
// and registers it under the owning node so exit stops it unconditionally.
func (it *Interpreter) startInvoke(owner, pos int, inv chart.InvokeConfig) {
	id := inv.ID
	if id == "" {
		id = uuid.NewString()
	}
	var actor Actor
	if child := it.m.InvokedMachine(owner, pos); child != nil {
		actor = it.spawnMachine(child, id)
	} else {
		factory, ok := it.behaviors[inv.Src]
		if !ok {
			it.reportError("invoke", fmt.Errorf("behavior %q not registered", inv.Src))
			return
		}
		b := factory()
		ba := newBehaviorActor(id, b, it)
		b.Start(ba)
		actor = ba
	}
	if err := it.reg.add(id, actor, owner); err != nil {
		actor.Stop()
		it.reportError("invoke", err)
	}
}

// spawnMachine starts a child interpreter sharing this instance's clock,
// logger and registries.
func (it *Interpreter) spawnMachine(m *chart.Machine, id string) *Interpreter {
	child := NewInterpreter(m,
		WithID(id),
		WithClock(it.clock),
		WithLogger(it.logger),
		WithActions(it.actions),
		WithGuards(it.guards),
		WithBehaviors(it.behaviors),
		withParent(it),
	)
	if err := child.Start(); err != nil {
		it.reportError("invoke", fmt.Errorf("child %q: %w", id, err))
	}
	return child
}

// Spawn creates an explicitly owned child actor from a compiled machine or
// a behavior factory. Unlike invoked children its lifetime is bound to the
// whole instance, not to a state's active period.
func (it *Interpreter) Spawn(def any, id string) (Actor, error) {
	if id == "" {
		id = uuid.NewString()
	}
	var actor Actor
	switch d := def.(type) {
	case *chart.Machine:
		actor = it.spawnMachine(d, id)
	case BehaviorFactory:
		b := d()
		ba := newBehaviorActor(id, b, it)
		b.Start(ba)
		actor = ba
	default:
		return nil, fmt.Errorf("spawn: unsupported definition type %T", def)
	}
	if err := it.reg.add(id, actor, -1); err != nil {
		actor.Stop()
		return nil, err
	}
	return actor, nil
}

// Child returns the live child actor with the given id.
func (it *Interpreter) Child(id string) (Actor, bool) {
	return it.reg.lookup(id)
}

// synthesizeDone raises done.state events for entered final nodes and for
// parallel ancestors whose regions have all completed, and marks the whole
// instance done when a top-level final state activates.
func (it *Interpreter) synthesizeDone(entered []int) {
	active := it.m.ActiveSet(it.leaves)
	for _, n := range entered {
		node := it.m.NodeAt(n)
		if node.Type != chart.Final {
			continue
		}
		parent := it.m.NodeAt(node.Parent)
		if parent.Parent < 0 {
			it.done = true
			continue
		}
		var data any
		if node.Data != nil {
			data = node.Data
		}
		it.raise(chart.Event{Type: chart.DoneState(parent.Path), Data: data}, "")

		if gp := it.m.NodeAt(parent.Parent); gp.Type == chart.Parallel {
			if it.allRegionsFinal(gp.Index, active) {
				it.raise(chart.Event{Type: chart.DoneState(gp.Path)}, "")
				if gp.Parent == it.m.Root() {
					it.done = true
				}
			}
		}
	}
	if it.done {
		it.teardownChildren()
	}
}

// allRegionsFinal reports whether every region of a parallel node has
// reached a final leaf.
func (it *Interpreter) allRegionsFinal(parallel int, active map[int]bool) bool {
	for _, region := range it.m.NodeAt(parallel).Children {
		regionFinal := false
		for i := 1; i < it.m.Len(); i++ {
			if active[i] && it.m.NodeAt(i).Type == chart.Final &&
				(i == region || it.m.IsDescendant(i, region)) {
				regionFinal = true
				break
			}
		}
		if !regionFinal {
			return false
		}
	}
	return true
}

// Stop runs exit actions for every active node deepest-first, stops all
// children transitively, cancels pending timers, and transitions to the
// terminal stopped status. Safe to call from within actions: the teardown
// then runs once the current drain loop observes the status change.
func (it *Interpreter) Stop() {
	it.mu.Lock()
	if it.status == Stopped {
		it.mu.Unlock()
		return
	}
	wasRunning := it.status == Running
	it.status = Stopped
	inStep := it.processing
	it.processing = true
	it.mu.Unlock()

	if inStep {
		return // the active drain loop owns the teardown
	}
	if wasRunning {
		it.teardown()
	}
	it.mu.Lock()
	it.processing = false
	it.mu.Unlock()
}

// teardown exits the active configuration deepest-first and releases every
// owned resource.
func (it *Interpreter) teardown() {
	var nodes []int
	active := it.m.ActiveSet(it.leaves)
	for i := 1; i < it.m.Len(); i++ {
		if active[i] {
			nodes = append(nodes, i)
		}
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	for _, n := range nodes {
		node := it.m.NodeAt(n)
		for i := range node.Exit {
			if !it.runAction(&node.Exit[i], chart.Event{}, "") {
				break
			}
		}
		it.cancelDelays(n)
	}
	it.teardownChildren()
	for id := range it.timerIDs {
		it.clock.ClearTimer(id)
		delete(it.timerIDs, id)
	}
}

func (it *Interpreter) teardownChildren() {
	it.reg.stopAll()
}

// emit builds the settled snapshot, stores it, and notifies subscribers
// outside the lock.
func (it *Interpreter) emit() {
	snap := chart.Snapshot{
		Value:   it.m.ValueOf(it.leaves),
		Paths:   it.m.PathsOf(it.leaves),
		Context: chart.CloneContext(it.context),
		Changed: it.changed,
		Done:    it.done,
		Actions: it.log,
		History: it.hist.export(it.m),
	}
	active := it.m.ActiveSet(it.leaves)
	for i := 1; i < it.m.Len(); i++ {
		if active[i] && it.m.NodeAt(i).Meta != nil {
			if snap.Meta == nil {
				snap.Meta = make(map[string]map[string]any)
			}
			snap.Meta[it.m.NodeAt(i).Path] = it.m.NodeAt(i).Meta
		}
	}
	it.log = nil
	it.changed = false

	it.mu.Lock()
	it.last = &snap
	listeners := make([]func(chart.Snapshot), 0, len(it.subs))
	for _, fn := range it.subs {
		listeners = append(listeners, fn)
	}
	it.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// reportError routes a failure to the logger, the listener, and the
// error.platform event namespace so declared error transitions can react.
func (it *Interpreter) reportError(stage string, err error) {
	it.logger.Error("statomat: "+stage+" failure", "machine", it.m.ID(), "instance", it.id, "error", err)
	if it.errListener != nil {
		it.errListener(err)
	}
	it.mu.Lock()
	running := it.status == Running
	it.mu.Unlock()
	if running {
		it.raise(chart.Event{Type: chart.ErrorPlatform(it.m.ID()), Data: err.Error()}, "")
	}
}
