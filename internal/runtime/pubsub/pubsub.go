// Package pubsub subscribes a peer to topics on a hub and publishes to them.
// A topic callback is bound only after the hub has acknowledged the
// subscription, so no publication is delivered before that point.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/peerwire/internal/runtime/channel"
	"github.com/drblury/peerwire/internal/runtime/correlation"
	"github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/jsoncodec"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/metrics"
	"github.com/drblury/peerwire/internal/runtime/serial"
)

const module = "pubsub"

// Callback receives one publication.
type Callback func(topic string, payload json.RawMessage)

type request struct {
	topic       string
	callback    Callback
	unsubscribe bool
}

// Registry is the topic module of one channel.
type Registry struct {
	ch      *channel.Channel
	pending *correlation.Registry
	logger  logging.ServiceLogger
	deliver *serial.Executor

	// mu guards topics and requests. A reply's binding change and the claim
	// of its waiter happen together under mu.
	mu       sync.Mutex
	topics   map[string]Callback
	requests map[uint32]request
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger  logging.ServiceLogger
	metrics *metrics.Collector
	clock   clock.Clock
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewRegistry registers the client topic protocols on ch. Callbacks run in
// delivery order on a background goroutine.
func NewRegistry(ch *channel.Channel, opts ...Option) (*Registry, error) {
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}
	o := options{logger: ch.Logger(), metrics: ch.Metrics(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{
		ch:       ch,
		logger:   logging.OrNop(o.logger),
		deliver:  serial.New(),
		topics:   make(map[string]Callback),
		requests: make(map[uint32]request),
		pending: correlation.NewRegistry(ch.Sequence(),
			correlation.WithClock(o.clock),
			correlation.WithMetrics(o.metrics, module),
		),
	}
	r.deliver.OnPanic = func(rec any) {
		r.logger.Error("Topic callback panicked", serial.PanicError(rec), nil)
	}

	handlers := []struct {
		protocol envelope.Protocol
		handler  channel.Handler
	}{
		{envelope.SubReturn, channel.HandlerFunc(r.handleAck)},
		{envelope.UnsubReturn, channel.HandlerFunc(r.handleAck)},
		{envelope.PubReturn, channel.HandlerFunc(r.handlePubReturn)},
		{envelope.Pub, channel.HandlerFunc(r.handlePub)},
	}
	for i, h := range handlers {
		if err := ch.Handle(h.protocol, h.handler); err != nil {
			for _, done := range handlers[:i] {
				ch.Unhandle(done.protocol)
			}
			return nil, err
		}
	}

	ch.OnClose(func(error) error {
		r.mu.Lock()
		r.topics = make(map[string]Callback)
		r.requests = make(map[uint32]request)
		r.mu.Unlock()
		r.pending.FailAll(errspkg.ErrClosed)
		return nil
	})
	return r, nil
}

// Subscribe asks the hub for topic and binds cb once the hub acknowledges.
// Subscribing to a bound topic replaces its callback after the new ack.
func (r *Registry) Subscribe(ctx context.Context, topic string, cb Callback, timeout time.Duration) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if cb == nil {
		return errspkg.ErrHandlerRequired
	}
	return r.roundTrip(ctx, envelope.SubCall, request{topic: topic, callback: cb}, timeout)
}

// Unsubscribe asks the hub to drop topic and unbinds it once the hub
// acknowledges. It fails with ErrNotSubscribed if topic is not bound.
func (r *Registry) Unsubscribe(ctx context.Context, topic string, timeout time.Duration) error {
	if !r.Has(topic) {
		return errspkg.ErrNotSubscribed
	}
	return r.roundTrip(ctx, envelope.UnsubCall, request{topic: topic, unsubscribe: true}, timeout)
}

func (r *Registry) roundTrip(ctx context.Context, p envelope.Protocol, req request, timeout time.Duration) error {
	r.mu.Lock()
	pending := r.pending.Begin()
	r.requests[pending.ID] = req
	r.mu.Unlock()
	defer r.forget(pending.ID)

	if err := r.ch.Send(envelope.Envelope{Protocol: p, Key: req.topic, ID: pending.ID}); err != nil {
		r.pending.Abandon(pending)
		return err
	}
	_, err := r.pending.Await(ctx, pending, timeout)
	return err
}

func (r *Registry) forget(id uint32) {
	r.mu.Lock()
	delete(r.requests, id)
	r.mu.Unlock()
}

// Publish sends payload to topic and waits for the hub's acknowledgment.
// With suppressSelf the hub does not deliver the publication back here.
func (r *Registry) Publish(ctx context.Context, topic string, payload any, suppressSelf bool, timeout time.Duration) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	data, err := jsoncodec.Raw(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errspkg.ErrSerialization, err)
	}

	p := r.pending.Begin()
	err = r.ch.Send(envelope.Envelope{
		Protocol:     envelope.PubCall,
		Key:          topic,
		ID:           p.ID,
		Data:         data,
		SuppressSelf: suppressSelf,
	})
	if err != nil {
		r.pending.Abandon(p)
		return err
	}
	_, err = r.pending.Await(ctx, p, timeout)
	return err
}

// Topics lists the bound topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.topics))
	for t := range r.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Has reports whether topic is bound.
func (r *Registry) Has(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[topic]
	return ok
}

// Wait blocks until every delivered publication has been handed to its
// callback.
func (r *Registry) Wait() { r.deliver.Wait() }

func (r *Registry) handleAck(_ context.Context, env envelope.Envelope) {
	r.mu.Lock()
	p, ok := r.pending.Claim(env.ID)
	if !ok {
		r.mu.Unlock()
		r.logger.Trace("Discarding unmatched topic ack", logging.LogFields{"topic": env.Key, "id": env.ID})
		return
	}
	req, known := r.requests[env.ID]
	delete(r.requests, env.ID)
	if known && !env.Failed() {
		if req.unsubscribe {
			delete(r.topics, req.topic)
		} else {
			r.topics[req.topic] = req.callback
		}
	}
	r.mu.Unlock()

	p.Resolve(correlation.Outcome{Err: env.Err()})
}

func (r *Registry) handlePubReturn(_ context.Context, env envelope.Envelope) {
	r.pending.Settle(env.ID, nil, env.Err())
}

func (r *Registry) handlePub(_ context.Context, env envelope.Envelope) {
	r.mu.Lock()
	cb, ok := r.topics[env.Key]
	r.mu.Unlock()
	if !ok {
		r.logger.Trace("Publication for unbound topic", logging.LogFields{"topic": env.Key})
		return
	}

	topic, payload := env.Key, env.Data
	r.deliver.Submit(func() { cb(topic, payload) })
}
