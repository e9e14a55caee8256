package rpc

import (
	"context"
	"time"

	"github.com/drblury/peerwire/internal/runtime/logging"
)

// CallContext describes one handler execution to hooks.
type CallContext struct {
	// Key is the exposed function name.
	Key string
	// ID is the caller's correlation id, 0 for fire-and-forget calls.
	ID uint32
	// Session identifies the channel the call arrived on.
	Session string
	// Acknowledged is true when the caller waits for a reply.
	Acknowledged bool
	// Context is the handler context.
	Context context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is only set for OnCallDone and OnCallError.
	Duration time.Duration
}

// CallHooks are optional callbacks around handler execution.
type CallHooks struct {
	OnCallStart func(ctx CallContext)
	OnCallDone  func(ctx CallContext)
	OnCallError func(ctx CallContext, err error)
}

// Merge returns hooks that run h first and then other.
func (h CallHooks) Merge(other CallHooks) CallHooks {
	return CallHooks{
		OnCallStart: chainHook(h.OnCallStart, other.OnCallStart),
		OnCallDone:  chainHook(h.OnCallDone, other.OnCallDone),
		OnCallError: chainErrorHook(h.OnCallError, other.OnCallError),
	}
}

func chainHook(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHook(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware invokes hooks around every handler execution.
func HooksMiddleware(hooks CallHooks) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			cc := CallContext{
				Key:          call.Key,
				ID:           call.ID,
				Session:      call.Session,
				Acknowledged: call.Acknowledged,
				Context:      ctx,
				StartedAt:    time.Now(),
			}
			if hooks.OnCallStart != nil {
				hooks.OnCallStart(cc)
			}

			result, err := next(ctx, call)

			cc.Duration = time.Since(cc.StartedAt)
			if err != nil {
				if hooks.OnCallError != nil {
					hooks.OnCallError(cc, err)
				}
			} else if hooks.OnCallDone != nil {
				hooks.OnCallDone(cc)
			}
			return result, err
		}
	}
}

// LoggingHooks logs call lifecycle events at info level.
func LoggingHooks(logger logging.ServiceLogger) CallHooks {
	logger = logging.OrNop(logger)
	return CallHooks{
		OnCallStart: func(ctx CallContext) {
			logger.Info("Call started", logging.LogFields{
				"key":     ctx.Key,
				"id":      ctx.ID,
				"session": ctx.Session,
			})
		},
		OnCallDone: func(ctx CallContext) {
			logger.Info("Call completed", logging.LogFields{
				"key":         ctx.Key,
				"id":          ctx.ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnCallError: func(ctx CallContext, err error) {
			logger.Error("Call failed", err, logging.LogFields{
				"key":         ctx.Key,
				"id":          ctx.ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards lifecycle events to counters keyed by function name.
func MetricsHooks(onStart, onDone, onError func(key string)) CallHooks {
	return CallHooks{
		OnCallStart: func(ctx CallContext) {
			if onStart != nil {
				onStart(ctx.Key)
			}
		},
		OnCallDone: func(ctx CallContext) {
			if onDone != nil {
				onDone(ctx.Key)
			}
		},
		OnCallError: func(ctx CallContext, err error) {
			if onError != nil {
				onError(ctx.Key)
			}
		},
	}
}

// AlertingHooks calls alert for every failed call.
func AlertingHooks(alert func(ctx CallContext, err error)) CallHooks {
	return CallHooks{OnCallError: alert}
}
