// Package queue keeps named item sequences fed by a remote peer and pushes
// items into the peer's queues.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/peerwire/internal/runtime/channel"
	"github.com/drblury/peerwire/internal/runtime/correlation"
	"github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/jsoncodec"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/metrics"
)

const module = "queue"

// Service binds a Store to one channel.
type Service struct {
	ch      *channel.Channel
	store   *Store
	pending *correlation.Registry
	logger  logging.ServiceLogger
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	store   *Store
	logger  logging.ServiceLogger
	metrics *metrics.Collector
	clock   clock.Clock
}

// WithStore shares a store between services.
func WithStore(s *Store) Option {
	return func(o *serviceOptions) { o.store = s }
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(o *serviceOptions) { o.clock = c }
}

// NewService registers the queue protocols on ch.
func NewService(ch *channel.Channel, opts ...Option) (*Service, error) {
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}
	o := serviceOptions{logger: ch.Logger(), metrics: ch.Metrics(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger)
	if o.store == nil {
		o.store = NewStore(logger)
	}

	s := &Service{
		ch:     ch,
		store:  o.store,
		logger: logger,
		pending: correlation.NewRegistry(ch.Sequence(),
			correlation.WithClock(o.clock),
			correlation.WithMetrics(o.metrics, module),
		),
	}

	items := channel.HandlerFunc(s.handleItem)
	if err := ch.Handle(envelope.Queue, items); err != nil {
		return nil, err
	}
	if err := ch.Handle(envelope.QueueCall, items); err != nil {
		ch.Unhandle(envelope.Queue)
		return nil, err
	}
	if err := ch.Handle(envelope.QueueReturn, channel.HandlerFunc(s.handleReturn)); err != nil {
		ch.Unhandle(envelope.Queue)
		ch.Unhandle(envelope.QueueCall)
		return nil, err
	}

	ch.OnClose(func(error) error {
		s.pending.FailAll(errspkg.ErrClosed)
		return nil
	})
	return s, nil
}

// Store returns the local item store.
func (s *Service) Store() *Store { return s.store }

// Pending returns the number of pushes awaiting acknowledgment.
func (s *Service) Pending() int { return s.pending.Len() }

// PushNoWait appends value to the peer's queue key without confirmation.
func (s *Service) PushNoWait(key string, value any) error {
	return s.ch.SendValue(envelope.Queue, key, s.ch.Sequence().Next(), value)
}

// Push appends value to the peer's queue key and waits until the peer
// confirms it stored the item. A timeout <= 0 waits until ctx is done or
// the channel closes.
func (s *Service) Push(ctx context.Context, key string, timeout time.Duration, value any) error {
	data, err := jsoncodec.Raw(value)
	if err != nil {
		return fmt.Errorf("%w: %v", errspkg.ErrSerialization, err)
	}

	p := s.pending.Begin()
	if err := s.ch.Send(envelope.Envelope{Protocol: envelope.QueueCall, Key: key, ID: p.ID, Data: data}); err != nil {
		s.pending.Abandon(p)
		return err
	}
	_, err = s.pending.Await(ctx, p, timeout)
	return err
}

func (s *Service) handleItem(_ context.Context, env envelope.Envelope) {
	acknowledged := env.Protocol == envelope.QueueCall
	s.store.put(env.Key, env.Data)
	if acknowledged {
		s.send(envelope.Envelope{Protocol: envelope.QueueReturn, Key: env.Key, ID: env.ID})
	}
	s.store.arrived(env.Key)
}

func (s *Service) handleReturn(_ context.Context, env envelope.Envelope) {
	if !s.pending.Settle(env.ID, nil, env.Err()) {
		s.logger.Trace("Discarding unmatched queue ack", logging.LogFields{"key": env.Key, "id": env.ID})
	}
}

func (s *Service) send(env envelope.Envelope) {
	if err := s.ch.Send(env); err != nil {
		s.logger.Error("Queue ack failed", err, logging.LogFields{"key": env.Key, "id": env.ID})
	}
}
