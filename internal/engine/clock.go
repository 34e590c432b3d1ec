// Package engine implements the statechart runtime: transition resolution,
// ordered action execution, the micro/macrostep event loop, and the actor
// registry for spawned children.
package engine

import (
	"sort"
	"sync"
	"time"
)

// Clock schedules and cancels named timers. Supplied externally so tests can
// substitute a virtual clock; the engine never reads wall time itself.
type Clock interface {
	SetTimer(id string, delay time.Duration, fn func())
	ClearTimer(id string)
}

// WallClock schedules timers on the runtime timer heap.
type WallClock struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWallClock creates a WallClock.
func NewWallClock() *WallClock {
	return &WallClock{timers: make(map[string]*time.Timer)}
}

func (c *WallClock) SetTimer(id string, delay time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		fn()
	})
}

func (c *WallClock) ClearTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

// VirtualClock is a manually advanced clock for deterministic tests.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers map[string]*virtualTimer
}

type virtualTimer struct {
	id  string
	at  time.Duration
	seq int
	fn  func()
}

// NewVirtualClock creates a VirtualClock at time zero.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{timers: make(map[string]*virtualTimer)}
}

func (c *VirtualClock) SetTimer(id string, delay time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[id] = &virtualTimer{id: id, at: c.now + delay, seq: len(c.timers), fn: fn}
}

func (c *VirtualClock) ClearTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, id)
}

// Advance moves virtual time forward, firing due timers in deadline order.
// Timers scheduled by fired callbacks fire too if they fall within the
// advanced window.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now + d
	for {
		var due []*virtualTimer
		for _, t := range c.timers {
			if t.at <= deadline {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at != due[j].at {
				return due[i].at < due[j].at
			}
			return due[i].seq < due[j].seq
		})
		next := due[0]
		delete(c.timers, next.id)
		c.now = next.at
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
	c.now = deadline
	c.mu.Unlock()
}

// Pending reports the number of scheduled, unfired timers.
func (c *VirtualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
