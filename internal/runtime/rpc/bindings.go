package rpc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drblury/peerwire/internal/runtime/envelope"
	"github.com/drblury/peerwire/internal/runtime/gate"
)

// Handler executes one remote call. The returned value is sent back as the
// reply data; a returned error becomes the reply's exception.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call describes an inbound invocation.
type Call struct {
	Key          string
	ID           uint32
	Args         envelope.Args
	Acknowledged bool
	Session      string
	ReceivedAt   time.Time
}

// Scan decodes the positional arguments into dst.
func (c *Call) Scan(dst ...any) error { return c.Args.Scan(dst...) }

type binding struct {
	handler   Handler
	exclusive bool
	active    int
}

// Bindings is the set of exposed handlers. It can be shared by several
// brokers, for example every session of a hub, in which case exclusivity
// holds across all of them.
type Bindings struct {
	mu    sync.Mutex
	items map[string]*binding
	gate  *gate.Gate
}

// NewBindings returns an empty binding set.
func NewBindings() *Bindings {
	return &Bindings{items: make(map[string]*binding), gate: gate.New()}
}

// Expose binds key to h, replacing any earlier binding. It fails when the
// existing binding is exclusive and currently executing.
func (b *Bindings) Expose(key string, h Handler, exclusive bool) bool {
	if key == "" || h == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.items[key]; ok && old.exclusive && b.gate.Running(key) {
		return false
	}
	b.items[key] = &binding{handler: h, exclusive: exclusive}
	return true
}

// Unexpose removes key. It fails for unknown keys and while the binding is
// executing or has callers queued.
func (b *Bindings) Unexpose(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.items[key]
	if !ok || b.runningLocked(key, bd) {
		return false
	}
	delete(b.items, key)
	return true
}

// IsRunning reports whether key has an execution in progress.
func (b *Bindings) IsRunning(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.items[key]
	return ok && b.runningLocked(key, bd)
}

func (b *Bindings) runningLocked(key string, bd *binding) bool {
	if bd.exclusive {
		return b.gate.Running(key)
	}
	return bd.active > 0
}

// Keys lists the exposed keys in sorted order.
func (b *Bindings) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.items))
	for k := range b.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is exposed.
func (b *Bindings) Has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	return ok
}

// admit looks key up and takes its place in line. Exclusive bindings return
// a gate ticket; the others are counted as active until done is called.
func (b *Bindings) admit(key string) (bd *binding, ticket *gate.Ticket, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok = b.items[key]
	if !ok {
		return nil, nil, false
	}
	if bd.exclusive {
		return bd, b.gate.Enqueue(key), true
	}
	bd.active++
	return bd, nil, true
}

func (b *Bindings) done(key string, bd *binding, ticket *gate.Ticket) {
	if ticket != nil {
		b.gate.Release(key)
		return
	}
	b.mu.Lock()
	bd.active--
	b.mu.Unlock()
}
