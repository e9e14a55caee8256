// Package gate serializes executions per key. A key is either idle or owned
// by exactly one holder; later arrivals queue in FIFO order and ownership is
// handed directly from the releasing holder to the oldest waiter.
package gate

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// Gate tracks per-key ownership. The zero value is not usable; call New.
type Gate struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	running bool
	waiters *queue.Queue
}

// Ticket is a place in a key's admission line.
type Ticket struct {
	gate  *Gate
	key   string
	ready chan struct{}

	// guarded by gate.mu
	granted   bool
	abandoned bool
}

// New returns an empty gate.
func New() *Gate {
	return &Gate{slots: make(map[string]*slot)}
}

// Enqueue takes a place in line for key without blocking. If the key is
// idle the ticket is granted immediately.
func (g *Gate) Enqueue(key string) *Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[key]
	if !ok {
		s = &slot{waiters: queue.New()}
		g.slots[key] = s
	}

	t := &Ticket{gate: g, key: key, ready: make(chan struct{})}
	if !s.running {
		s.running = true
		t.grant()
		return t
	}
	s.waiters.Add(t)
	return t
}

// Acquire blocks until the caller owns key or ctx is done.
func (g *Gate) Acquire(ctx context.Context, key string) error {
	return g.Enqueue(key).Wait(ctx)
}

// Release gives up ownership of key. The oldest live waiter becomes the new
// owner without the key ever being observed idle.
func (g *Gate) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[key]
	if !ok || !s.running {
		return
	}
	for s.waiters.Length() > 0 {
		next := s.waiters.Remove().(*Ticket)
		if next.abandoned {
			continue
		}
		next.grant()
		return
	}
	s.running = false
	delete(g.slots, key)
}

// Running reports whether key currently has an owner.
func (g *Gate) Running(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	return ok && s.running
}

// Waiting returns how many live tickets are queued behind the owner of key.
func (g *Gate) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[key]
	if !ok {
		return 0
	}
	n := 0
	for i := 0; i < s.waiters.Length(); i++ {
		if !s.waiters.Get(i).(*Ticket).abandoned {
			n++
		}
	}
	return n
}

// Key returns the key the ticket queues for.
func (t *Ticket) Key() string { return t.key }

// Ready is closed once the ticket owns its key.
func (t *Ticket) Ready() <-chan struct{} { return t.ready }

// Wait blocks until the ticket owns its key. When ctx ends first the ticket
// leaves the line; a grant that raced with the cancellation is released so
// the next waiter is not starved.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}

	g := t.gate
	g.mu.Lock()
	if t.granted {
		g.mu.Unlock()
		g.Release(t.key)
		return ctx.Err()
	}
	t.abandoned = true
	g.mu.Unlock()
	return ctx.Err()
}

// must hold gate.mu
func (t *Ticket) grant() {
	t.granted = true
	close(t.ready)
}
