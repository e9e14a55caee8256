// Package redis provides a Redis Pub/Sub backplane. Every hub topic maps to
// one Redis channel; messages travel as JSON frames carrying the watermill
// UUID, metadata and payload.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/jsoncodec"
	"github.com/drblury/peerwire/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

// ChannelPrefix namespaces backplane channels on a shared Redis.
const ChannelPrefix = "peerwire:"

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *goredis.Options) *goredis.Client {
	return goredis.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the Redis transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Build connects to Redis and returns a transport sharing one client.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	opts, err := Options(cfg.GetRedisURL())
	if err != nil {
		return transport.Transport{}, err
	}
	if opts.ClientName == "" {
		opts.ClientName = clientName(cfg.GetBackplaneGroup())
	}

	client := ClientFactory(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return transport.Transport{}, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	logger.Info("Connected to Redis backplane", watermill.LogFields{"addr": opts.Addr, "client": opts.ClientName})

	shared := &sharedClient{client: client}
	return transport.Transport{
		Publisher:  NewPublisher(shared, logger),
		Subscriber: NewSubscriber(ClientSource(shared), logger),
	}, nil
}

// Options parses either a redis:// URL or a bare host:port address.
func Options(raw string) (*goredis.Options, error) {
	if raw == "" {
		return nil, errspkg.NewConfigValidationError(fmt.Errorf("redis url is required"))
	}
	if strings.Contains(raw, "://") {
		return goredis.ParseURL(raw)
	}
	return &goredis.Options{Addr: raw}, nil
}

// ChannelName maps a hub topic to its Redis channel.
func ChannelName(topic string) string {
	return ChannelPrefix + topic
}

func clientName(group string) string {
	if group == "" {
		return "peerwire"
	}
	return "peerwire-" + group
}

// frame is the JSON form of a watermill message on a Redis channel.
type frame struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  json.RawMessage   `json:"payload"`
}

func marshalMessage(msg *message.Message) ([]byte, error) {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload of %s is not JSON", errspkg.ErrSerialization, msg.UUID)
	}
	return jsoncodec.Marshal(frame{UUID: msg.UUID, Metadata: msg.Metadata, Payload: payload})
}

func unmarshalMessage(data []byte) (*message.Message, error) {
	var f frame
	if err := jsoncodec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrMalformedEnvelope, err)
	}
	if f.UUID == "" {
		f.UUID = watermill.NewUUID()
	}
	msg := message.NewMessage(f.UUID, message.Payload(f.Payload))
	for k, v := range f.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg, nil
}

// sharedClient closes the underlying client once both halves are closed.
type sharedClient struct {
	client *goredis.Client
	mu     sync.Mutex
	closes int
}

func (s *sharedClient) Publish(ctx context.Context, channel string, msg any) *goredis.IntCmd {
	return s.client.Publish(ctx, channel, msg)
}

func (s *sharedClient) Subscribe(ctx context.Context, channels ...string) *goredis.PubSub {
	return s.client.Subscribe(ctx, channels...)
}

func (s *sharedClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes != 2 {
		return nil
	}
	return s.client.Close()
}
