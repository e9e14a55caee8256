package rpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/metrics"
)

const tracerName = "peerwire-rpc"

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// DefaultMiddlewares returns the chain a Broker installs when WithMiddleware
// is not given.
func DefaultMiddlewares(logger logging.ServiceLogger, m *metrics.Collector) []Middleware {
	return []Middleware{
		TracerMiddleware(),
		LogCallsMiddleware(logger),
		MetricsMiddleware(m),
	}
}

func chain(h Handler, mws []Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// RecovererMiddleware turns a handler panic into an error reply.
func RecovererMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = fmt.Errorf("panic in %q: %v", call.Key, r)
				}
			}()
			return next(ctx, call)
		}
	}
}

// TracerMiddleware runs each call inside an OpenTelemetry server span.
func TracerMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			tracer := otel.Tracer(tracerName)
			ctx, span := tracer.Start(ctx, "rpc "+call.Key, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("rpc.key", call.Key),
				attribute.Int64("rpc.id", int64(call.ID)),
				attribute.Bool("rpc.acknowledged", call.Acknowledged),
				attribute.String("peerwire.session", call.Session),
			)

			result, err := next(ctx, call)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, err
		}
	}
}

// LogCallsMiddleware logs every call at debug level and failures at error.
func LogCallsMiddleware(logger logging.ServiceLogger) Middleware {
	logger = logging.OrNop(logger)
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			fields := logging.LogFields{"key": call.Key, "id": call.ID, "session": call.Session}
			logger.Debug("Handling call", fields)
			result, err := next(ctx, call)
			if err != nil {
				logger.Error("Call failed", err, fields)
			}
			return result, err
		}
	}
}

// MetricsMiddleware records call outcomes and latency on m.
func MetricsMiddleware(m *metrics.Collector) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (any, error) {
			started := time.Now()
			result, err := next(ctx, call)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.Call(call.Key, outcome, time.Since(started))
			return result, err
		}
	}
}

// TimeoutMiddleware bounds the context handed to each handler.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, call *Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, call)
		}
	}
}
