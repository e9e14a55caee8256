package peerwire

import (
	"context"
	"errors"
	"fmt"

	channelpkg "github.com/drblury/peerwire/internal/runtime/channel"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	loggingpkg "github.com/drblury/peerwire/internal/runtime/logging"
	metricspkg "github.com/drblury/peerwire/internal/runtime/metrics"
	pubsubpkg "github.com/drblury/peerwire/internal/runtime/pubsub"
	queuepkg "github.com/drblury/peerwire/internal/runtime/queue"
	rpcpkg "github.com/drblury/peerwire/internal/runtime/rpc"
)

// Peer is the client end of a hub connection with every protocol module
// attached to one channel.
type Peer struct {
	Channel *Channel
	RPC     *Broker
	Queue   *QueueService
	Topics  *TopicRegistry

	cfg Config
}

// PeerOption configures NewPeer.
type PeerOption func(*peerOptions)

type peerOptions struct {
	logger   ServiceLogger
	metrics  *metricspkg.Collector
	bindings *Bindings
	store    *QueueStore
	dialer   channelpkg.Dialer
	hooks    *CallHooks
}

func WithPeerLogger(l ServiceLogger) PeerOption {
	return func(o *peerOptions) { o.logger = l }
}

func WithPeerMetrics(m *metricspkg.Collector) PeerOption {
	return func(o *peerOptions) { o.metrics = m }
}

// WithPeerBindings shares exposed functions with other peers in the process.
func WithPeerBindings(b *Bindings) PeerOption {
	return func(o *peerOptions) { o.bindings = b }
}

// WithPeerStore keeps received queue items in s.
func WithPeerStore(s *QueueStore) PeerOption {
	return func(o *peerOptions) { o.store = s }
}

// WithPeerDialer replaces the websocket dialer.
func WithPeerDialer(d channelpkg.Dialer) PeerOption {
	return func(o *peerOptions) { o.dialer = d }
}

func WithPeerCallHooks(h CallHooks) PeerOption {
	return func(o *peerOptions) { o.hooks = &h }
}

// NewPeer builds a disconnected peer. The channel dials cfg.Address over
// websocket unless another dialer is given.
func NewPeer(cfg Config, opts ...PeerOption) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o peerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = channelpkg.WebSocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			MaxMessageSize:   cfg.MaxMessageSize,
		}
	}
	logger := loggingpkg.OrNop(o.logger)

	ch := channelpkg.New(
		channelpkg.WithDialer(o.dialer),
		channelpkg.WithLogger(logger),
		channelpkg.WithMetrics(o.metrics),
	)

	brokerOpts := []rpcpkg.Option{rpcpkg.WithLogger(logger), rpcpkg.WithMetrics(o.metrics)}
	if o.bindings != nil {
		brokerOpts = append(brokerOpts, rpcpkg.WithBindings(o.bindings))
	}
	if o.hooks != nil {
		brokerOpts = append(brokerOpts, rpcpkg.WithHooks(*o.hooks))
	}
	broker, err := rpcpkg.NewBroker(ch, brokerOpts...)
	if err != nil {
		return nil, err
	}

	queueOpts := []queuepkg.Option{queuepkg.WithLogger(logger), queuepkg.WithMetrics(o.metrics)}
	if o.store != nil {
		queueOpts = append(queueOpts, queuepkg.WithStore(o.store))
	}
	svc, err := queuepkg.NewService(ch, queueOpts...)
	if err != nil {
		return nil, err
	}

	topics, err := pubsubpkg.NewRegistry(ch, pubsubpkg.WithLogger(logger), pubsubpkg.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}

	return &Peer{Channel: ch, RPC: broker, Queue: svc, Topics: topics, cfg: cfg}, nil
}

// Connect dials the configured address and waits for the hub to assign a
// session id. The wait is bounded by the handshake timeout.
func (p *Peer) Connect(ctx context.Context) (string, error) {
	if p.cfg.Address == "" {
		return "", errspkg.NewConfigValidationError(errors.New("address is required"))
	}
	if err := p.Channel.Connect(ctx, p.cfg.Address); err != nil {
		return "", err
	}

	waitCtx := ctx
	if p.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
		defer cancel()
	}
	id, err := p.Channel.WaitHandshake(waitCtx)
	if err != nil {
		_ = p.Channel.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", errspkg.ErrHandshakePending, err)
		}
		return "", err
	}
	return id, nil
}

// SessionID returns the identity the hub assigned, or "".
func (p *Peer) SessionID() string { return p.Channel.SessionID() }

// Close disconnects the peer. Pending requests fail with ErrClosed.
func (p *Peer) Close() error { return p.Channel.Close() }
