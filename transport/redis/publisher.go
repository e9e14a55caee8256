package redis

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
)

// PublishClient is the part of a Redis client the publisher needs.
type PublishClient interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
	Close() error
}

// Publisher publishes watermill messages with PUBLISH.
type Publisher struct {
	client PublishClient
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

var _ message.Publisher = (*Publisher)(nil)

// NewPublisher wraps client.
func NewPublisher(client PublishClient, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{client: client, logger: logger}
}

// Publish sends messages in order. It stops at the first failure.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errspkg.NewTransportError("redis publish", errspkg.ErrClosed)
	}

	channel := ChannelName(topic)
	for _, msg := range messages {
		data, err := marshalMessage(msg)
		if err != nil {
			return err
		}
		ctx := msg.Context()
		receivers, err := p.client.Publish(ctx, channel, data).Result()
		if err != nil {
			return errspkg.NewTransportError("redis publish", err)
		}
		p.logger.Trace("Published to Redis", watermill.LogFields{
			"channel":      channel,
			"message_uuid": msg.UUID,
			"receivers":    receivers,
		})
	}
	return nil
}

// Close releases the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.client.Close()
}
