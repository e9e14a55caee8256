// Package rpc exposes named functions to a remote peer and calls the ones it
// exposes, with or without waiting for a reply.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drblury/peerwire/internal/runtime/channel"
	"github.com/drblury/peerwire/internal/runtime/correlation"
	"github.com/drblury/peerwire/internal/runtime/envelope"
	"github.com/drblury/peerwire/internal/runtime/gate"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/jsoncodec"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/metrics"
)

const module = "rpc"

// Broker is the function-call module of one channel.
type Broker struct {
	ch       *channel.Channel
	bindings *Bindings
	pending  *correlation.Registry

	logger     logging.ServiceLogger
	metrics    *metrics.Collector
	clock      clock.Clock
	middleware []Middleware
	custom     bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithBindings shares a binding set between brokers.
func WithBindings(b *Bindings) Option {
	return func(br *Broker) {
		if b != nil {
			br.bindings = b
		}
	}
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(br *Broker) { br.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(br *Broker) { br.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(br *Broker) {
		if c != nil {
			br.clock = c
		}
	}
}

// WithMiddleware replaces the default handler chain. Panic recovery is
// always installed innermost.
func WithMiddleware(mws ...Middleware) Option {
	return func(br *Broker) {
		br.middleware = append(br.middleware, mws...)
		br.custom = true
	}
}

// WithHooks appends a HooksMiddleware to the chain.
func WithHooks(h CallHooks) Option {
	return func(br *Broker) {
		br.middleware = append(br.middleware, HooksMiddleware(h))
	}
}

// NewBroker registers the function protocols on ch. Outstanding calls fail
// with ErrClosed when the channel closes.
func NewBroker(ch *channel.Channel, opts ...Option) (*Broker, error) {
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}
	b := &Broker{
		ch:     ch,
		logger: ch.Logger(),
		clock:  clock.New(),
	}
	b.metrics = ch.Metrics()
	for _, opt := range opts {
		opt(b)
	}
	if b.bindings == nil {
		b.bindings = NewBindings()
	}
	if !b.custom {
		b.middleware = append(DefaultMiddlewares(b.logger, b.metrics), b.middleware...)
	}
	b.middleware = append(b.middleware, RecovererMiddleware())
	b.pending = correlation.NewRegistry(ch.Sequence(),
		correlation.WithClock(b.clock),
		correlation.WithMetrics(b.metrics, module),
	)

	calls := channel.HandlerFunc(b.handleCall)
	if err := ch.Handle(envelope.Function, calls); err != nil {
		return nil, err
	}
	if err := ch.Handle(envelope.FunctionCall, calls); err != nil {
		ch.Unhandle(envelope.Function)
		return nil, err
	}
	if err := ch.Handle(envelope.FunctionReturn, channel.HandlerFunc(b.handleReturn)); err != nil {
		ch.Unhandle(envelope.Function)
		ch.Unhandle(envelope.FunctionCall)
		return nil, err
	}

	ch.OnClose(func(cause error) error {
		if n := b.pending.FailAll(errspkg.ErrClosed); n > 0 {
			b.logger.Debug("Failed outstanding calls", logging.LogFields{"count": n, "cause": fmt.Sprint(cause)})
		}
		return nil
	})
	return b, nil
}

// Bindings returns the broker's binding set.
func (b *Broker) Bindings() *Bindings { return b.bindings }

// Expose binds key to h. See Bindings.Expose.
func (b *Broker) Expose(key string, h Handler, exclusive bool) bool {
	return b.bindings.Expose(key, h, exclusive)
}

// Unexpose removes key. See Bindings.Unexpose.
func (b *Broker) Unexpose(key string) bool { return b.bindings.Unexpose(key) }

func (b *Broker) IsRunning(key string) bool { return b.bindings.IsRunning(key) }

func (b *Broker) Keys() []string { return b.bindings.Keys() }

func (b *Broker) Has(key string) bool { return b.bindings.Has(key) }

// Pending returns the number of calls awaiting a reply.
func (b *Broker) Pending() int { return b.pending.Len() }

// CallNoWait invokes key on the peer without expecting a reply.
func (b *Broker) CallNoWait(key string, args ...any) error {
	if key == "" {
		return errspkg.ErrKeyRequired
	}
	data, err := envelope.PackArgs(args...)
	if err != nil {
		return err
	}
	return b.ch.Send(envelope.Envelope{
		Protocol: envelope.Function,
		Key:      key,
		ID:       b.ch.Sequence().Next(),
		Data:     data,
	})
}

// Call invokes key on the peer and waits for its return value. A timeout
// <= 0 waits until ctx is done or the channel closes.
func (b *Broker) Call(ctx context.Context, key string, timeout time.Duration, args ...any) (json.RawMessage, error) {
	if key == "" {
		return nil, errspkg.ErrKeyRequired
	}
	data, err := envelope.PackArgs(args...)
	if err != nil {
		return nil, err
	}

	p := b.pending.Begin()
	err = b.ch.Send(envelope.Envelope{
		Protocol: envelope.FunctionCall,
		Key:      key,
		ID:       p.ID,
		Data:     data,
	})
	if err != nil {
		b.pending.Abandon(p)
		return nil, err
	}
	return b.pending.Await(ctx, p, timeout)
}

// CallInto calls key and decodes the return value into T.
func CallInto[T any](ctx context.Context, b *Broker, key string, timeout time.Duration, args ...any) (T, error) {
	var out T
	raw, err := b.Call(ctx, key, timeout, args...)
	if err != nil {
		return out, err
	}
	if jsoncodec.IsNull(raw) {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", errspkg.ErrSerialization, err)
	}
	return out, nil
}

func (b *Broker) handleReturn(_ context.Context, env envelope.Envelope) {
	if !b.pending.Settle(env.ID, env.Data, env.Err()) {
		b.logger.Trace("Discarding unmatched return", logging.LogFields{"key": env.Key, "id": env.ID})
	}
}

// handleCall runs on the read goroutine. It takes the call's place in line
// synchronously so exclusive calls keep arrival order, then executes on a
// goroutine.
func (b *Broker) handleCall(ctx context.Context, env envelope.Envelope) {
	call := &Call{
		Key:          env.Key,
		ID:           env.ID,
		Acknowledged: env.Protocol == envelope.FunctionCall,
		Session:      b.ch.SessionID(),
		ReceivedAt:   b.clock.Now(),
	}

	args, err := envelope.ParseArgs(env.Data)
	if err != nil {
		if call.Acknowledged {
			b.reply(call, nil, err)
		}
		return
	}
	call.Args = args

	// Arguments are parsed before admission so a malformed call never holds
	// a gate ticket.
	bd, ticket, ok := b.bindings.admit(env.Key)
	if !ok {
		b.logger.Debug("Call for unregistered key", logging.LogFields{"key": env.Key})
		if call.Acknowledged {
			b.reply(call, nil, errspkg.NewRemoteError(errspkg.MsgFunctionNotRegistered))
		}
		return
	}

	go b.execute(ctx, call, bd, ticket)
}

func (b *Broker) execute(ctx context.Context, call *Call, bd *binding, ticket *gate.Ticket) {
	if ticket != nil {
		if err := ticket.Wait(ctx); err != nil {
			b.logger.Debug("Dropping queued call", logging.LogFields{"key": call.Key, "id": call.ID})
			return
		}
	}
	result, err := chain(bd.handler, b.middleware)(ctx, call)
	// The reply goes out before the gate admits the next exclusive call so
	// replies keep submission order.
	if call.Acknowledged {
		b.reply(call, result, err)
	}
	b.bindings.done(call.Key, bd, ticket)
}

// reply sends the function_return for call. When the first attempt cannot
// be delivered, one more attempt reports the failure as the exception.
func (b *Broker) reply(call *Call, result any, callErr error) {
	env, err := b.replyEnvelope(call, result, callErr)
	if err == nil {
		err = b.ch.Send(env)
	}
	if err == nil {
		return
	}
	if errors.Is(err, errspkg.ErrNotOpen) {
		b.logger.Debug("Reply dropped, channel not open", logging.LogFields{"key": call.Key, "id": call.ID})
		return
	}

	b.logger.Error("Reply failed, reporting it to the caller", err, logging.LogFields{"key": call.Key, "id": call.ID})
	retry := envelope.Failure(envelope.FunctionReturn, call.Key, call.ID, err.Error())
	if err := b.ch.Send(retry); err != nil {
		b.logger.Error("Reply retry failed", err, logging.LogFields{"key": call.Key, "id": call.ID})
	}
}

func (b *Broker) replyEnvelope(call *Call, result any, callErr error) (envelope.Envelope, error) {
	if callErr != nil {
		return envelope.Failure(envelope.FunctionReturn, call.Key, call.ID, errorMessage(callErr)), nil
	}
	return envelope.New(envelope.FunctionReturn, call.Key, call.ID, result)
}

func errorMessage(err error) string {
	var remote *errspkg.RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	return err.Error()
}
