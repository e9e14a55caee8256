package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
)

const waitFor = time.Second

type pipeDialer struct {
	dials   int32
	servers chan Conn
	fail    error
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan Conn, 4)}
}

func (d *pipeDialer) Dial(ctx context.Context, address string) (Conn, error) {
	atomic.AddInt32(&d.dials, 1)
	if d.fail != nil {
		return nil, d.fail
	}
	client, server := Pipe()
	d.servers <- server
	return client, nil
}

func (d *pipeDialer) server(t *testing.T) Conn {
	t.Helper()
	select {
	case c := <-d.servers:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection dialed")
		return nil
	}
}

func write(t *testing.T, conn Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage([]byte(raw)))
}

func connected(t *testing.T) (*Channel, Conn) {
	t.Helper()
	dialer := newPipeDialer()
	ch := New(WithDialer(dialer))
	require.NoError(t, ch.Connect(context.Background(), "pipe://peer"))
	server := dialer.server(t)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, server
}

func TestConnectAndHandshake(t *testing.T) {
	ch, server := connected(t)
	assert.Equal(t, Open, ch.State())
	assert.Empty(t, ch.SessionID())

	write(t, server, `{"protocol":"system","key":"connect","id":0,"data":"session-7","exception":null}`)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	id, err := ch.WaitHandshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-7", id)
	assert.Equal(t, "session-7", ch.SessionID())
}

func TestHandshakeRefusal(t *testing.T) {
	ch, server := connected(t)
	write(t, server, `{"protocol":"system","key":"connect","id":0,"data":null,"exception":"connection refused due to connection limit"}`)
	require.NoError(t, server.Close())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := ch.WaitHandshake(ctx)
	assert.ErrorIs(t, err, errspkg.ErrConnectionRefused)
	assert.Contains(t, err.Error(), "connection limit")

	require.Eventually(t, func() bool { return ch.State() == Closed }, waitFor, time.Millisecond)
	assert.ErrorIs(t, ch.SessionError(), errspkg.ErrConnectionRefused)
}

func TestReconnectWhileOpenIsRejected(t *testing.T) {
	dialer := newPipeDialer()
	ch := New(WithDialer(dialer))
	t.Cleanup(func() { _ = ch.Close() })

	require.True(t, ch.Reconnect(context.Background(), "pipe://peer"))
	server := dialer.server(t)

	assert.False(t, ch.Reconnect(context.Background(), "pipe://peer"))
	assert.ErrorIs(t, ch.Connect(context.Background(), "pipe://peer"), errspkg.ErrBusy)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.dials))
	assert.Equal(t, Open, ch.State())

	require.NoError(t, ch.SendValue(envelope.Queue, "still", 0, 1))
	raw, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"still"`)
}

func TestDialFailureResetsToDisconnected(t *testing.T) {
	dialer := newPipeDialer()
	dialer.fail = errors.New("refused")
	ch := New(WithDialer(dialer))

	err := ch.Connect(context.Background(), "pipe://peer")
	assert.True(t, errspkg.IsTransport(err))
	assert.False(t, ch.Reconnect(context.Background(), "pipe://peer"))
	assert.Equal(t, Disconnected, ch.State())
	assert.Empty(t, ch.SessionID())
}

func TestCloseWhileConnectingReleasesHandshakeWaiters(t *testing.T) {
	release := make(chan struct{})
	ch := New(WithDialer(DialerFunc(func(ctx context.Context, address string) (Conn, error) {
		<-release
		client, _ := Pipe()
		return client, nil
	})))

	connectErr := make(chan error, 1)
	go func() { connectErr <- ch.Connect(context.Background(), "pipe://peer") }()
	require.Eventually(t, func() bool { return ch.State() == Connecting }, waitFor, time.Millisecond)

	handshakeErr := make(chan error, 1)
	go func() {
		_, err := ch.WaitHandshake(context.Background())
		handshakeErr <- err
	}()

	require.NoError(t, ch.Close())
	assert.Equal(t, Closed, ch.State())

	select {
	case err := <-handshakeErr:
		assert.ErrorIs(t, err, errspkg.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("WaitHandshake still blocked after Close")
	}

	close(release)
	select {
	case err := <-connectErr:
		assert.ErrorIs(t, err, errspkg.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, Closed, ch.State())
}

func TestReconnectAfterClose(t *testing.T) {
	dialer := newPipeDialer()
	ch := New(WithDialer(dialer))
	require.True(t, ch.Reconnect(context.Background(), "pipe://peer"))
	dialer.server(t)

	require.NoError(t, ch.Close())
	assert.Equal(t, Closed, ch.State())

	require.True(t, ch.Reconnect(context.Background(), "pipe://peer"))
	dialer.server(t)
	assert.Equal(t, Open, ch.State())
	require.NoError(t, ch.Close())
}

func TestDispatchDropsInvalidEnvelopesAndKeepsOrder(t *testing.T) {
	ch, server := connected(t)

	var (
		mu   sync.Mutex
		keys []string
	)
	require.NoError(t, ch.Handle(envelope.Queue, HandlerFunc(func(ctx context.Context, env envelope.Envelope) {
		mu.Lock()
		keys = append(keys, env.Key)
		mu.Unlock()
	})))

	write(t, server, `{"protocol":"queue","key":"first","id":0,"data":1,"exception":null}`)
	write(t, server, `not json`)
	write(t, server, `{"protocol":"queue","key":"missing-exception","id":0,"data":1}`)
	write(t, server, `{"protocol":"teleport","key":"unknown","id":0,"data":1,"exception":null}`)
	write(t, server, `{"protocol":"pub","key":"unhandled","id":0,"data":1,"exception":null}`)
	write(t, server, `{"protocol":"queue","key":"second","id":0,"data":2,"exception":null}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 2
	}, waitFor, time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, keys)
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	ch, server := connected(t)

	got := make(chan string, 2)
	require.NoError(t, ch.Handle(envelope.Queue, HandlerFunc(func(ctx context.Context, env envelope.Envelope) {
		if env.Key == "boom" {
			panic("handler exploded")
		}
		got <- env.Key
	})))

	write(t, server, `{"protocol":"queue","key":"boom","id":0,"data":null,"exception":null}`)
	write(t, server, `{"protocol":"queue","key":"after","id":0,"data":null,"exception":null}`)

	select {
	case key := <-got:
		assert.Equal(t, "after", key)
	case <-time.After(waitFor):
		t.Fatal("dispatch stopped after panic")
	}
	assert.Equal(t, Open, ch.State())
}

func TestHandleRegistration(t *testing.T) {
	ch := New()
	noop := HandlerFunc(func(context.Context, envelope.Envelope) {})

	require.NoError(t, ch.Handle(envelope.Pub, noop))
	assert.ErrorIs(t, ch.Handle(envelope.Pub, noop), errspkg.ErrProtocolTaken)
	assert.NoError(t, ch.Replace(envelope.Pub, noop))

	ch.Unhandle(envelope.Pub)
	assert.NoError(t, ch.Handle(envelope.Pub, noop))

	assert.ErrorIs(t, ch.Handle(envelope.System, noop), errspkg.ErrProtocolTaken)
	assert.ErrorIs(t, ch.Handle(envelope.Protocol("binary"), noop), errspkg.ErrUnknownProtocol)
	assert.ErrorIs(t, ch.Handle(envelope.Queue, nil), errspkg.ErrHandlerRequired)
}

func TestSendRequiresOpenChannel(t *testing.T) {
	ch := New()
	err := ch.SendValue(envelope.Function, "k", 0, nil)
	assert.ErrorIs(t, err, errspkg.ErrNotOpen)
	assert.True(t, errspkg.IsTransport(err))
}

func TestSendSerializationFailure(t *testing.T) {
	ch, _ := connected(t)
	err := ch.SendValue(envelope.Function, "k", 0, make(chan int))
	assert.ErrorIs(t, err, errspkg.ErrSerialization)
}

func TestCloseRunsEveryListenerInOrder(t *testing.T) {
	ch, _ := connected(t)

	var order []int
	ch.OnClose(func(cause error) error {
		order = append(order, 1)
		return nil
	})
	ch.OnClose(func(cause error) error {
		order = append(order, 2)
		return errors.New("listener two failed")
	})
	ch.OnClose(func(cause error) error {
		order = append(order, 3)
		panic("listener three panicked")
	})
	ch.OnClose(func(cause error) error {
		order = append(order, 4)
		assert.ErrorIs(t, cause, errspkg.ErrClosed)
		return nil
	})

	err := ch.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener two failed")
	assert.Contains(t, err.Error(), "listener three panicked")
	assert.Equal(t, []int{1, 2, 3, 4}, order)
	assert.Equal(t, Closed, ch.State())
	assert.Empty(t, ch.SessionID())

	assert.NoError(t, ch.Close(), "second close is a no-op")
}

func TestPeerInitiatedClose(t *testing.T) {
	ch, server := connected(t)
	write(t, server, `{"protocol":"system","key":"connect","id":0,"data":"s1","exception":null}`)
	require.Eventually(t, func() bool { return ch.SessionID() == "s1" }, waitFor, time.Millisecond)

	causes := make(chan error, 1)
	ch.OnClose(func(cause error) error {
		causes <- cause
		return nil
	})
	require.NoError(t, server.Close())

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, io.EOF)
	case <-time.After(waitFor):
		t.Fatal("close listener not called")
	}
	assert.Equal(t, Closed, ch.State())
	assert.Empty(t, ch.SessionID())
}

func TestAcceptStartsOpen(t *testing.T) {
	a, b := Pipe()
	ch := Accept(a, "hub-session")
	t.Cleanup(func() { _ = ch.Close() })

	assert.Equal(t, Open, ch.State())
	id, err := ch.WaitHandshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hub-session", id)

	require.NoError(t, ch.Send(envelope.Failure(envelope.SubReturn, "t", 4, "The topic name is incorrect")))
	raw, err := b.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), env.ID)
	assert.True(t, env.Failed())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", Disconnected.String())
	assert.Equal(t, "CONNECTING", Connecting.String())
	assert.Equal(t, "OPEN", Open.String())
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
