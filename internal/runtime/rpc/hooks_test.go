package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooksMerge(t *testing.T) {
	var order []string
	a := CallHooks{
		OnCallStart: func(CallContext) { order = append(order, "a-start") },
		OnCallError: func(CallContext, error) { order = append(order, "a-error") },
	}
	b := CallHooks{
		OnCallStart: func(CallContext) { order = append(order, "b-start") },
		OnCallDone:  func(CallContext) { order = append(order, "b-done") },
	}

	merged := a.Merge(b)
	require.NotNil(t, merged.OnCallStart)
	require.NotNil(t, merged.OnCallDone)
	require.NotNil(t, merged.OnCallError)

	merged.OnCallStart(CallContext{})
	merged.OnCallDone(CallContext{})
	merged.OnCallError(CallContext{}, errors.New("x"))
	assert.Equal(t, []string{"a-start", "b-start", "b-done", "a-error"}, order)

	empty := CallHooks{}.Merge(CallHooks{})
	assert.Nil(t, empty.OnCallStart)
	assert.Nil(t, empty.OnCallDone)
	assert.Nil(t, empty.OnCallError)
}

func TestHooksMiddlewareReportsOutcome(t *testing.T) {
	var (
		started []CallContext
		done    []CallContext
		failed  []error
	)
	hooks := CallHooks{
		OnCallStart: func(cc CallContext) { started = append(started, cc) },
		OnCallDone:  func(cc CallContext) { done = append(done, cc) },
		OnCallError: func(_ CallContext, err error) { failed = append(failed, err) },
	}
	boom := errors.New("boom")
	h := HooksMiddleware(hooks)(func(_ context.Context, call *Call) (any, error) {
		if call.Key == "fail" {
			return nil, boom
		}
		return "ok", nil
	})

	result, err := h(context.Background(), &Call{Key: "greet", ID: 7, Session: "s1", Acknowledged: true})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	_, err = h(context.Background(), &Call{Key: "fail"})
	require.ErrorIs(t, err, boom)

	require.Len(t, started, 2)
	assert.Equal(t, "greet", started[0].Key)
	assert.Equal(t, uint32(7), started[0].ID)
	assert.Equal(t, "s1", started[0].Session)
	assert.True(t, started[0].Acknowledged)
	assert.False(t, started[0].StartedAt.IsZero())

	require.Len(t, done, 1)
	assert.Equal(t, "greet", done[0].Key)
	assert.GreaterOrEqual(t, done[0].Duration.Nanoseconds(), int64(0))
	assert.Equal(t, []error{boom}, failed)
}

func TestAlertingHooksOnlyReportFailures(t *testing.T) {
	var alerts []string
	hooks := AlertingHooks(func(cc CallContext, err error) {
		alerts = append(alerts, cc.Key+": "+err.Error())
	})
	assert.Nil(t, hooks.OnCallStart)
	assert.Nil(t, hooks.OnCallDone)

	h := HooksMiddleware(hooks)(func(context.Context, *Call) (any, error) {
		return nil, errors.New("down")
	})
	_, _ = h(context.Background(), &Call{Key: "db"})
	assert.Equal(t, []string{"db: down"}, alerts)
}

func TestLoggingHooksAcceptNilLogger(t *testing.T) {
	hooks := LoggingHooks(nil)
	h := HooksMiddleware(hooks)(func(context.Context, *Call) (any, error) { return 1, nil })
	assert.NotPanics(t, func() {
		_, _ = h(context.Background(), &Call{Key: "k"})
		hooks.OnCallError(CallContext{Key: "k"}, errors.New("x"))
	})
}
