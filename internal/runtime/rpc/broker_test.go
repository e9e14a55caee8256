package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/peerwire/internal/runtime/channel"
	"github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/testutil/peertest"
)

const waitFor = 2 * time.Second

func brokers(t *testing.T, opts ...Option) (client, server *Broker) {
	t.Helper()
	local, remote := peertest.Pair(t)
	client, err := NewBroker(local, opts...)
	require.NoError(t, err)
	server, err = NewBroker(remote, opts...)
	require.NoError(t, err)
	return client, server
}

func add2(_ context.Context, call *Call) (any, error) {
	var a, b int
	if err := call.Scan(&a, &b); err != nil {
		return nil, err
	}
	return []int{a, b, a + b}, nil
}

type unmarshalable struct{}

func (unmarshalable) MarshalJSON() ([]byte, error) { return nil, errors.New("cannot encode") }

func TestCallRoundTrip(t *testing.T) {
	client, server := brokers(t)
	require.True(t, server.Expose("add2", add2, false))

	raw, err := client.Call(context.Background(), "add2", waitFor, 4, 7)
	require.NoError(t, err)
	assert.JSONEq(t, `[4,7,11]`, string(raw))
	assert.Zero(t, client.Pending())
}

func TestCallInto(t *testing.T) {
	client, server := brokers(t)
	require.True(t, server.Expose("add2", add2, false))

	got, err := CallInto[[]int](context.Background(), client, "add2", waitFor, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestCallUnregisteredKey(t *testing.T) {
	client, _ := brokers(t)

	_, err := client.Call(context.Background(), "missing", waitFor)
	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, errspkg.MsgFunctionNotRegistered, remote.Message)
}

func TestCallHandlerError(t *testing.T) {
	client, server := brokers(t)
	server.Expose("fail", func(context.Context, *Call) (any, error) {
		return nil, errors.New("boom")
	}, false)

	_, err := client.Call(context.Background(), "fail", waitFor)
	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
}

func TestCallHandlerPanic(t *testing.T) {
	client, server := brokers(t)
	server.Expose("panics", func(context.Context, *Call) (any, error) {
		panic("kaput")
	}, true)

	_, err := client.Call(context.Background(), "panics", waitFor)
	require.Error(t, err)
	assert.True(t, errspkg.IsRemote(err))
	assert.Contains(t, err.Error(), "kaput")
	assert.False(t, server.IsRunning("panics"))
}

func TestReplySerializationFailureIsReported(t *testing.T) {
	client, server := brokers(t)
	server.Expose("bad", func(context.Context, *Call) (any, error) {
		return unmarshalable{}, nil
	}, false)

	_, err := client.Call(context.Background(), "bad", waitFor)
	require.Error(t, err)
	assert.True(t, errspkg.IsRemote(err))
	assert.Contains(t, err.Error(), "serialization")
}

func TestCallTimeoutDiscardsLateReply(t *testing.T) {
	client, server := brokers(t)
	release := make(chan struct{})
	finished := make(chan struct{})
	server.Expose("slow", func(context.Context, *Call) (any, error) {
		<-release
		defer close(finished)
		return "late", nil
	}, false)

	_, err := client.Call(context.Background(), "slow", 50*time.Millisecond)
	require.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.Zero(t, client.Pending())

	close(release)
	<-finished
	assert.Eventually(t, func() bool { return !server.IsRunning("slow") }, waitFor, 5*time.Millisecond)
	assert.Zero(t, client.Pending())
}

func TestCallContextCancelled(t *testing.T) {
	client, server := brokers(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	server.Expose("wait", func(context.Context, *Call) (any, error) {
		<-release
		return nil, nil
	}, false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.Call(ctx, "wait", 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExclusiveCallsRunOneAtATimeInOrder(t *testing.T) {
	client, server := brokers(t)

	var (
		mu      sync.Mutex
		order   []int
		active  int32
		maxSeen int32
	)
	gates := map[int]chan struct{}{1: make(chan struct{}), 2: make(chan struct{}), 3: make(chan struct{})}
	server.Expose("job", func(_ context.Context, call *Call) (any, error) {
		var n int
		if err := call.Scan(&n); err != nil {
			return nil, err
		}
		cur := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			seen := atomic.LoadInt32(&maxSeen)
			if cur <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, cur) {
				break
			}
		}
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		<-gates[n]
		return n, nil
	}, true)

	results := make(chan int, 3)
	call := func(n int) {
		got, err := CallInto[int](context.Background(), client, "job", waitFor, n)
		assert.NoError(t, err)
		results <- got
	}

	go call(1)
	require.Eventually(t, func() bool { return server.IsRunning("job") }, waitFor, time.Millisecond)
	go call(2)
	require.Eventually(t, func() bool { return server.bindings.gate.Waiting("job") == 1 }, waitFor, time.Millisecond)
	go call(3)
	require.Eventually(t, func() bool { return server.bindings.gate.Waiting("job") == 2 }, waitFor, time.Millisecond)

	assert.False(t, server.Expose("job", add2, false), "running exclusive binding cannot be replaced")
	assert.False(t, server.Unexpose("job"), "running binding cannot be removed")

	for n := 1; n <= 3; n++ {
		close(gates[n])
		select {
		case got := <-results:
			assert.Equal(t, n, got)
		case <-time.After(waitFor):
			t.Fatalf("call %d did not complete", n)
		}
	}

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, order)
	mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))

	require.Eventually(t, func() bool { return !server.IsRunning("job") }, waitFor, time.Millisecond)
	assert.True(t, server.Unexpose("job"))
	assert.False(t, server.Has("job"))
}

func TestExclusiveRepliesKeepSubmissionOrder(t *testing.T) {
	local, remote := peertest.Pair(t)
	server, err := NewBroker(remote)
	require.NoError(t, err)

	first := make(chan struct{})
	server.Expose("job", func(_ context.Context, call *Call) (any, error) {
		var n int
		if err := call.Scan(&n); err != nil {
			return nil, err
		}
		if n == 1 {
			<-first
			return make([]int, 200000), nil
		}
		return n, nil
	}, true)

	replies := make(chan uint32, 2)
	require.NoError(t, local.Handle(envelope.FunctionReturn, channel.HandlerFunc(func(_ context.Context, env envelope.Envelope) {
		replies <- env.ID
	})))

	require.NoError(t, local.SendValue(envelope.FunctionCall, "job", 1, []int{1}))
	require.Eventually(t, func() bool { return server.IsRunning("job") }, waitFor, time.Millisecond)
	require.NoError(t, local.SendValue(envelope.FunctionCall, "job", 2, []int{2}))
	require.Eventually(t, func() bool { return server.bindings.gate.Waiting("job") == 1 }, waitFor, time.Millisecond)

	close(first)

	var got []uint32
	for len(got) < 2 {
		select {
		case id := <-replies:
			got = append(got, id)
		case <-time.After(waitFor):
			t.Fatalf("received replies %v", got)
		}
	}
	assert.Equal(t, []uint32{1, 2}, got)
}

func TestNonExclusiveCallsOverlap(t *testing.T) {
	client, server := brokers(t)
	var entered sync.WaitGroup
	entered.Add(2)
	server.Expose("meet", func(context.Context, *Call) (any, error) {
		entered.Done()
		entered.Wait()
		return true, nil
	}, false)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.Call(context.Background(), "meet", waitFor)
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
}

func TestFireAndForgetSendsNoReply(t *testing.T) {
	a, b := channel.Pipe()
	server := channel.Accept(a, "server")
	t.Cleanup(func() { _ = server.Close() })
	broker, err := NewBroker(server)
	require.NoError(t, err)

	ran := make(chan []any, 1)
	broker.Expose("notify", func(_ context.Context, call *Call) (any, error) {
		values, err := call.Args.Values()
		ran <- values
		return "ignored", err
	}, false)

	replies := make(chan []byte, 4)
	go func() {
		for {
			raw, err := b.ReadMessage()
			if err != nil {
				return
			}
			replies <- raw
		}
	}()

	require.NoError(t, b.WriteMessage([]byte(`{"protocol":"function","key":"notify","id":5,"data":["hi",2],"exception":null}`)))
	select {
	case values := <-ran:
		assert.Equal(t, []any{"hi", float64(2)}, values)
	case <-time.After(waitFor):
		t.Fatal("handler did not run")
	}
	assert.Never(t, func() bool { return len(replies) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCallNoWait(t *testing.T) {
	client, server := brokers(t)
	got := make(chan string, 1)
	server.Expose("log", func(_ context.Context, call *Call) (any, error) {
		var line string
		err := call.Scan(&line)
		got <- line
		return nil, err
	}, false)

	require.NoError(t, client.CallNoWait("log", "hello"))
	select {
	case line := <-got:
		assert.Equal(t, "hello", line)
	case <-time.After(waitFor):
		t.Fatal("handler did not run")
	}
	assert.Zero(t, client.Pending())
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	local, remote := peertest.Pair(t)
	client, err := NewBroker(local)
	require.NoError(t, err)
	server, err := NewBroker(remote)
	require.NoError(t, err)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	server.Expose("hang", func(context.Context, *Call) (any, error) {
		<-block
		return nil, nil
	}, false)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang", 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return client.Pending() == 1 }, waitFor, time.Millisecond)
	require.NoError(t, local.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, errspkg.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("call did not fail on close")
	}
}

func TestCallOnClosedChannel(t *testing.T) {
	local, remote := peertest.Pair(t)
	client, err := NewBroker(local)
	require.NoError(t, err)
	_, err = NewBroker(remote)
	require.NoError(t, err)
	require.NoError(t, local.Close())

	_, err = client.Call(context.Background(), "add2", waitFor, 1, 2)
	require.ErrorIs(t, err, errspkg.ErrNotOpen)
	assert.Zero(t, client.Pending())
	assert.ErrorIs(t, client.CallNoWait("add2"), errspkg.ErrNotOpen)
}

func TestKeyRequired(t *testing.T) {
	client, _ := brokers(t)
	_, err := client.Call(context.Background(), "", waitFor)
	assert.ErrorIs(t, err, errspkg.ErrKeyRequired)
	assert.ErrorIs(t, client.CallNoWait(""), errspkg.ErrKeyRequired)
}

func TestNewBrokerRejectsSecondBrokerOnChannel(t *testing.T) {
	local, _ := peertest.Pair(t)
	_, err := NewBroker(local)
	require.NoError(t, err)
	_, err = NewBroker(local)
	assert.ErrorIs(t, err, errspkg.ErrProtocolTaken)

	_, err = NewBroker(nil)
	assert.ErrorIs(t, err, errspkg.ErrChannelRequired)
}

func TestSharedBindingsAcrossBrokers(t *testing.T) {
	shared := NewBindings()
	shared.Expose("add2", add2, false)

	clientA, _ := brokers(t, WithBindings(shared))
	raw, err := clientA.Call(context.Background(), "add2", waitFor, 2, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,2,4]`, string(raw))
	assert.Equal(t, []string{"add2"}, clientA.Keys())
}

func TestHooksObserveCalls(t *testing.T) {
	var started, done, failed int32
	hooks := MetricsHooks(
		func(string) { atomic.AddInt32(&started, 1) },
		func(string) { atomic.AddInt32(&done, 1) },
		func(string) { atomic.AddInt32(&failed, 1) },
	)
	client, server := brokers(t, WithHooks(hooks))
	server.Expose("add2", add2, false)
	server.Expose("fail", func(context.Context, *Call) (any, error) { return nil, errors.New("no") }, false)

	_, err := client.Call(context.Background(), "add2", waitFor, 1, 1)
	require.NoError(t, err)
	_, err = client.Call(context.Background(), "fail", waitFor)
	require.Error(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&started))
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
	assert.Equal(t, int32(1), atomic.LoadInt32(&failed))
}

func TestCallWithoutArgumentsSendsEmptyList(t *testing.T) {
	client, server := brokers(t)
	server.Expose("argc", func(_ context.Context, call *Call) (any, error) {
		return call.Args.Len(), nil
	}, false)

	raw, err := client.Call(context.Background(), "argc", waitFor)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("0"), raw)
}
