package redis

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
)

// Source opens a Redis subscription on one channel. The returned stop
// function ends it.
type Source interface {
	Open(ctx context.Context, channel string) (<-chan *goredis.Message, func() error, error)
	Close() error
}

// SubscribeClient is the part of a Redis client a subscription needs.
type SubscribeClient interface {
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
	Close() error
}

// ClientSource opens subscriptions with SUBSCRIBE on client.
func ClientSource(client SubscribeClient) Source {
	return clientSource{client: client}
}

type clientSource struct {
	client SubscribeClient
}

func (s clientSource) Open(ctx context.Context, channel string) (<-chan *goredis.Message, func() error, error) {
	ps := s.client.Subscribe(ctx, channel)
	// Receive waits for the subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	return ps.Channel(), ps.Close, nil
}

func (s clientSource) Close() error { return s.client.Close() }

// Subscriber turns Redis channel messages into watermill messages. Each
// message waits for Ack before the next one is delivered and is handed out
// again after a Nack.
type Subscriber struct {
	source Source
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ message.Subscriber = (*Subscriber)(nil)

// NewSubscriber reads from source.
func NewSubscriber(source Source, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{source: source, logger: logger, closing: make(chan struct{})}
}

// Subscribe starts delivering topic. The channel is closed when ctx ends or
// the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errspkg.NewTransportError("redis subscribe", errspkg.ErrClosed)
	}

	channel := ChannelName(topic)
	in, stop, err := s.source.Open(ctx, channel)
	if err != nil {
		return nil, errspkg.NewTransportError("redis subscribe", err)
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go s.forward(ctx, channel, in, stop, out)
	return out, nil
}

func (s *Subscriber) forward(ctx context.Context, channel string, in <-chan *goredis.Message, stop func() error, out chan<- *message.Message) {
	defer s.wg.Done()
	defer close(out)
	defer func() {
		if err := stop(); err != nil {
			s.logger.Debug("Redis unsubscribe failed", watermill.LogFields{"channel": channel, "error": err.Error()})
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			msg, err := unmarshalMessage([]byte(raw.Payload))
			if err != nil {
				s.logger.Error("Dropping malformed Redis frame", err, watermill.LogFields{"channel": channel})
				continue
			}
			if !s.deliver(ctx, msg, out) {
				return
			}
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, msg *message.Message, out chan<- *message.Message) bool {
	for {
		attempt := msg.Copy()
		attempt.SetContext(ctx)
		select {
		case out <- attempt:
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}

		select {
		case <-attempt.Acked():
			return true
		case <-attempt.Nacked():
			s.logger.Debug("Redelivering nacked message", watermill.LogFields{"message_uuid": msg.UUID})
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}
	}
}

// Close stops every subscription and releases the source.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()

	s.wg.Wait()
	return s.source.Close()
}
