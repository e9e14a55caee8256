package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/rpc"
)

// CallResult is the outcome of a call made on one session.
type CallResult struct {
	Value json.RawMessage
	Err   error
}

// Expose makes h callable by every session.
func (h *Hub) Expose(key string, fn rpc.Handler, exclusive bool) bool {
	return h.bindings.Expose(key, fn, exclusive)
}

// Unexpose removes key unless a call on it is running.
func (h *Hub) Unexpose(key string) bool {
	return h.bindings.Unexpose(key)
}

func (h *Hub) session(id string) (*Session, error) {
	sess, ok := h.Session(id)
	if !ok {
		return nil, fmt.Errorf("%w: session %s", errspkg.ErrNotOpen, id)
	}
	return sess, nil
}

// Call invokes key on the session with id and waits for its reply. A zero
// timeout uses the configured default.
func (h *Hub) Call(ctx context.Context, id, key string, timeout time.Duration, args ...any) (json.RawMessage, error) {
	sess, err := h.session(id)
	if err != nil {
		return nil, err
	}
	return sess.Broker.Call(ctx, key, h.ackTimeout(timeout), args...)
}

// CallNoWait invokes key on the session with id without expecting a reply.
func (h *Hub) CallNoWait(id, key string, args ...any) error {
	sess, err := h.session(id)
	if err != nil {
		return err
	}
	return sess.Broker.CallNoWait(key, args...)
}

// CallAll invokes key on the listed sessions concurrently, or on every
// session when ids is empty. It waits for all of them; failures are reported
// per session.
func (h *Hub) CallAll(ctx context.Context, key string, timeout time.Duration, args []any, ids ...string) map[string]CallResult {
	if len(ids) == 0 {
		ids = h.Sessions()
	}
	var (
		mu      sync.Mutex
		results = make(map[string]CallResult, len(ids))
	)
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			value, err := h.Call(ctx, id, key, timeout, args...)
			mu.Lock()
			results[id] = CallResult{Value: value, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Push appends value to the queue named key on the session with id and
// waits for the acknowledgement.
func (h *Hub) Push(ctx context.Context, id, key string, timeout time.Duration, value any) error {
	sess, err := h.session(id)
	if err != nil {
		return err
	}
	return sess.Queue.Push(ctx, key, h.ackTimeout(timeout), value)
}

// PushNoWait appends value to the queue named key on the session with id.
func (h *Hub) PushNoWait(id, key string, value any) error {
	sess, err := h.session(id)
	if err != nil {
		return err
	}
	return sess.Queue.PushNoWait(key, value)
}

// PushAll pushes value to the listed sessions, or to all of them, and
// returns the failures by session id.
func (h *Hub) PushAll(ctx context.Context, key string, timeout time.Duration, value any, ids ...string) map[string]error {
	if len(ids) == 0 {
		ids = h.Sessions()
	}
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := h.Push(ctx, id, key, timeout, value); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
