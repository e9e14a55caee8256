// Package channel owns one duplex connection to a peer: its lifecycle, the
// connect handshake, envelope encoding and dispatch by protocol.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/drblury/peerwire/internal/runtime/correlation"
	"github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/jsoncodec"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/metrics"
)

// Handler receives every inbound envelope of the protocols it is registered
// for. Handlers run on the channel's read goroutine, one envelope at a time
// in arrival order, and must not block; long work belongs on a goroutine.
// ctx is cancelled when the connection that delivered env goes away.
type Handler interface {
	HandleEnvelope(ctx context.Context, env envelope.Envelope)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env envelope.Envelope)

func (f HandlerFunc) HandleEnvelope(ctx context.Context, env envelope.Envelope) { f(ctx, env) }

// CloseListener is told why the connection went away. Errors and panics are
// collected; they never stop later listeners from running.
type CloseListener func(cause error) error

// Channel multiplexes protocol modules over one connection.
type Channel struct {
	mu        sync.Mutex
	state     State
	conn      Conn
	cancel    context.CancelFunc
	session   string
	refusal   error
	handshake chan struct{}
	handshook bool

	hmu      sync.RWMutex
	handlers map[envelope.Protocol]Handler

	lmu       sync.Mutex
	listeners []CloseListener

	seq     *correlation.Sequence
	dialer  Dialer
	logger  logging.ServiceLogger
	metrics *metrics.Collector
}

// Option configures a Channel.
type Option func(*Channel)

func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(c *Channel) { c.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithSequence shares an id sequence between channels.
func WithSequence(seq *correlation.Sequence) Option {
	return func(c *Channel) {
		if seq != nil {
			c.seq = seq
		}
	}
}

// New returns a DISCONNECTED channel. Without WithDialer it dials websockets.
func New(opts ...Option) *Channel {
	c := &Channel{
		state:    Disconnected,
		handlers: make(map[envelope.Protocol]Handler),
		seq:      correlation.NewSequence(),
		dialer:   WebSocketDialer{},
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Accept wraps a connection that a server already established. The channel
// starts OPEN with sessionID as its identity, so no handshake is awaited.
func Accept(conn Conn, sessionID string, opts ...Option) *Channel {
	c := New(opts...)
	c.dialer = nil

	c.mu.Lock()
	c.handshake = make(chan struct{})
	c.session = sessionID
	c.finishHandshakeLocked()
	c.attachLocked(conn)
	c.mu.Unlock()
	return c
}

// Connect dials address. It fails with ErrBusy while CONNECTING or OPEN and
// leaves the existing connection untouched. On dial failure the channel is
// DISCONNECTED again with no session. The session id arrives later through
// the handshake; see WaitHandshake.
func (c *Channel) Connect(ctx context.Context, address string) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Open {
		c.mu.Unlock()
		return errspkg.ErrBusy
	}
	dialer := c.dialer
	c.state = Connecting
	c.session = ""
	c.refusal = nil
	c.handshook = false
	c.handshake = make(chan struct{})
	c.mu.Unlock()

	if dialer == nil {
		c.resetAfterFailedDial()
		return errspkg.NewTransportError("connect", errors.New("no dialer configured"))
	}

	conn, err := dialer.Dial(ctx, address)
	if err != nil {
		c.resetAfterFailedDial()
		c.logger.Error("Connect failed", err, logging.LogFields{"address": address})
		return errspkg.NewTransportError("connect", err)
	}

	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		_ = conn.Close()
		return errspkg.ErrClosed
	}
	c.attachLocked(conn)
	c.mu.Unlock()

	c.logger.Info("Channel open", logging.LogFields{"address": address})
	return nil
}

// Reconnect is Connect reporting only success.
func (c *Channel) Reconnect(ctx context.Context, address string) bool {
	return c.Connect(ctx, address) == nil
}

func (c *Channel) resetAfterFailedDial() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connecting {
		c.state = Disconnected
	}
	c.session = ""
	c.refusal = errspkg.ErrNotOpen
	c.finishHandshakeLocked()
}

// must hold c.mu
func (c *Channel) attachLocked(conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.state = Open
	go c.readLoop(ctx, conn)
}

// must hold c.mu
func (c *Channel) finishHandshakeLocked() {
	if c.handshook || c.handshake == nil {
		return
	}
	c.handshook = true
	close(c.handshake)
}

// WaitHandshake blocks until the peer assigned a session id or refused the
// connection.
func (c *Channel) WaitHandshake(ctx context.Context) (string, error) {
	c.mu.Lock()
	done := c.handshake
	c.mu.Unlock()
	if done == nil {
		return "", errspkg.ErrNotOpen
	}

	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refusal != nil {
		return "", c.refusal
	}
	if c.session == "" {
		return "", errspkg.ErrClosed
	}
	return c.session, nil
}

// SessionID returns the identity assigned by the peer, or "".
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SessionError returns why the peer refused the last connection attempt.
func (c *Channel) SessionError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refusal
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sequence returns the id space shared by modules on this channel.
func (c *Channel) Sequence() *correlation.Sequence { return c.seq }

func (c *Channel) Logger() logging.ServiceLogger { return c.logger }

func (c *Channel) Metrics() *metrics.Collector { return c.metrics }

// Handle registers h for protocol p. Each protocol takes one handler; a
// second registration fails with ErrProtocolTaken. The system protocol is
// owned by the channel itself.
func (c *Channel) Handle(p envelope.Protocol, h Handler) error {
	if err := checkProtocol(p, h); err != nil {
		return err
	}
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if _, taken := c.handlers[p]; taken {
		return fmt.Errorf("%w: %s", errspkg.ErrProtocolTaken, p)
	}
	c.handlers[p] = h
	return nil
}

// Replace registers h for p, discarding any previous handler.
func (c *Channel) Replace(p envelope.Protocol, h Handler) error {
	if err := checkProtocol(p, h); err != nil {
		return err
	}
	c.hmu.Lock()
	c.handlers[p] = h
	c.hmu.Unlock()
	return nil
}

// Unhandle removes the handler for p.
func (c *Channel) Unhandle(p envelope.Protocol) {
	c.hmu.Lock()
	delete(c.handlers, p)
	c.hmu.Unlock()
}

func checkProtocol(p envelope.Protocol, h Handler) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	if !p.Valid() {
		return fmt.Errorf("%w: %q", errspkg.ErrUnknownProtocol, p)
	}
	if p == envelope.System {
		return fmt.Errorf("%w: %s", errspkg.ErrProtocolTaken, p)
	}
	return nil
}

// OnClose adds a listener run, in registration order, whenever the
// connection goes away.
func (c *Channel) OnClose(l CloseListener) {
	if l == nil {
		return
	}
	c.lmu.Lock()
	c.listeners = append(c.listeners, l)
	c.lmu.Unlock()
}

// Send encodes env and writes it. It fails when the channel is not OPEN or
// the envelope cannot be serialized, and never retries.
func (c *Channel) Send(env envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	open := c.state == Open
	c.mu.Unlock()
	if !open || conn == nil {
		return errspkg.NewTransportError("send", errspkg.ErrNotOpen)
	}

	if err := conn.WriteMessage(raw); err != nil {
		return errspkg.NewTransportError("send", err)
	}
	c.metrics.Envelope(metrics.Outbound, env.Protocol.String())
	return nil
}

// SendValue builds an envelope around data and sends it.
func (c *Channel) SendValue(p envelope.Protocol, key string, id uint32, data any) error {
	env, err := envelope.New(p, key, id, data)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Close shuts the connection and runs every close listener. The returned
// error aggregates the connection close error and listener failures.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		if c.state == Connecting {
			c.state = Closed
			c.finishHandshakeLocked()
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.teardown(conn, errspkg.ErrClosed)
}

func (c *Channel) teardown(conn Conn, cause error) error {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil
	}
	c.conn = nil
	c.cancel()
	c.state = Closed
	c.session = ""
	c.finishHandshakeLocked()
	c.mu.Unlock()

	err := conn.Close()
	c.logger.Info("Channel closed", logging.LogFields{"cause": fmt.Sprint(cause)})
	return multierr.Append(err, c.notifyClose(cause))
}

func (c *Channel) notifyClose(cause error) error {
	c.lmu.Lock()
	listeners := make([]CloseListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.lmu.Unlock()

	var errs error
	for _, l := range listeners {
		errs = multierr.Append(errs, runListener(l, cause))
	}
	return errs
}

func runListener(l CloseListener, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("peerwire: close listener panicked: %v", r)
		}
	}()
	return l(cause)
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if closeErr := c.teardown(conn, err); closeErr != nil {
				c.logger.Error("Close listeners failed", closeErr, nil)
			}
			return
		}

		env, err := envelope.Decode(raw)
		if err != nil {
			c.metrics.Dropped(dropReason(err))
			c.logger.Trace("Dropping inbound envelope", logging.LogFields{"reason": err.Error()})
			continue
		}
		c.metrics.Envelope(metrics.Inbound, env.Protocol.String())
		c.dispatch(ctx, env)
	}
}

func dropReason(err error) string {
	if errors.Is(err, errspkg.ErrUnknownProtocol) {
		return "unknown_protocol"
	}
	return "malformed"
}

func (c *Channel) dispatch(ctx context.Context, env envelope.Envelope) {
	if env.Protocol == envelope.System {
		c.handleSystem(env)
		return
	}

	c.hmu.RLock()
	h, ok := c.handlers[env.Protocol]
	c.hmu.RUnlock()
	if !ok {
		c.metrics.Dropped("unhandled")
		c.logger.Trace("No handler for protocol", logging.LogFields{"protocol": env.Protocol.String()})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Envelope handler panicked", fmt.Errorf("%v", r), logging.LogFields{
				"protocol": env.Protocol.String(),
				"key":      env.Key,
			})
		}
	}()
	h.HandleEnvelope(ctx, env)
}

func (c *Channel) handleSystem(env envelope.Envelope) {
	if env.Key != envelope.KeyConnect {
		c.metrics.Dropped("unhandled")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if env.Exception != nil {
		c.refusal = fmt.Errorf("%w: %s", errspkg.ErrConnectionRefused, *env.Exception)
		c.session = ""
	} else {
		c.session = sessionFromData(env)
	}
	c.finishHandshakeLocked()
}

func sessionFromData(env envelope.Envelope) string {
	if jsoncodec.IsNull(env.Data) {
		return ""
	}
	var id string
	if err := jsoncodec.Unmarshal(env.Data, &id); err == nil {
		return id
	}
	return string(env.Data)
}
