// Package correlation matches replies to outstanding requests by id and
// races each wait against an optional timeout.
package correlation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/metrics"
)

// Outcome is what a pending request settles with.
type Outcome struct {
	Data json.RawMessage
	Err  error
}

// Pending is one outstanding request. It is settled at most once, by
// whoever claims it from the registry first.
type Pending struct {
	ID   uint32
	done chan Outcome
}

// Resolve delivers the outcome to the waiter. Only the goroutine that
// claimed p may call it.
func (p *Pending) Resolve(o Outcome) {
	select {
	case p.done <- o:
	default:
	}
}

// Registry is the table of pending requests for one module on one channel.
type Registry struct {
	mu      sync.Mutex
	seq     *Sequence
	pending map[uint32]*Pending

	clock   clock.Clock
	module  string
	metrics *metrics.Collector
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock used for timeouts.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithMetrics reports pending counts and timeouts under module.
func WithMetrics(m *metrics.Collector, module string) Option {
	return func(r *Registry) {
		r.metrics = m
		r.module = module
	}
}

// NewRegistry creates a registry that draws ids from seq. A nil seq gets a
// private sequence.
func NewRegistry(seq *Sequence, opts ...Option) *Registry {
	if seq == nil {
		seq = NewSequence()
	}
	r := &Registry{
		seq:     seq,
		pending: make(map[uint32]*Pending),
		clock:   clock.New(),
		module:  "default",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin allocates an id and registers a waiter for it. It must be called
// before the request is sent so that an immediate reply is not lost. Ids
// still pending in this registry are skipped after a wrap.
func (r *Registry) Begin() *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.seq.Next()
	for attempts := 0; attempts <= len(r.pending); attempts++ {
		if _, busy := r.pending[id]; !busy {
			break
		}
		id = r.seq.Next()
	}

	p := &Pending{ID: id, done: make(chan Outcome, 1)}
	r.pending[id] = p
	r.metrics.Pending(r.module, len(r.pending))
	return p
}

// Claim removes the waiter for id and hands it to the caller, who must then
// Resolve it. It returns false when id is unknown or already settled.
func (r *Registry) Claim(id uint32) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)
	r.metrics.Pending(r.module, len(r.pending))
	return p, true
}

// Settle claims and resolves the waiter for id. Settling an unknown id is a
// no-op that returns false.
func (r *Registry) Settle(id uint32, data json.RawMessage, err error) bool {
	p, ok := r.Claim(id)
	if !ok {
		return false
	}
	p.Resolve(Outcome{Data: data, Err: err})
	return true
}

// Abandon drops p without settling it, for requests that were never sent.
func (r *Registry) Abandon(p *Pending) {
	r.Claim(p.ID)
}

// Await blocks until p settles, the timeout elapses or ctx is done. A
// timeout <= 0 waits indefinitely. The entry is removed on every path, so a
// reply arriving after a timeout finds nothing and is discarded.
func (r *Registry) Await(ctx context.Context, p *Pending, timeout time.Duration) (json.RawMessage, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := r.clock.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case o := <-p.done:
		return o.Data, o.Err
	case <-expired:
		if _, ok := r.Claim(p.ID); ok {
			r.metrics.Timeout(r.module)
			return nil, errspkg.ErrTimeout
		}
	case <-ctx.Done():
		if _, ok := r.Claim(p.ID); ok {
			return nil, ctx.Err()
		}
	}

	// The reply claimed the entry first; its outcome is on the way.
	o := <-p.done
	return o.Data, o.Err
}

// FailAll settles every pending request with err and returns how many there
// were. Channels call it when the connection goes away.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	claimed := make([]*Pending, 0, len(r.pending))
	for id, p := range r.pending {
		claimed = append(claimed, p)
		delete(r.pending, id)
	}
	r.metrics.Pending(r.module, 0)
	r.mu.Unlock()

	for _, p := range claimed {
		p.Resolve(Outcome{Err: err})
	}
	return len(claimed)
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Has reports whether id is still pending.
func (r *Registry) Has(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}
