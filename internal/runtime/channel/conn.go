package channel

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Conn is one ordered, message-oriented duplex connection. WriteMessage must
// be safe for concurrent use; ReadMessage is only called from the channel's
// read loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes connections to a peer address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

// ErrPipeClosed is returned by pipe connections after either end closed.
var ErrPipeClosed = errors.New("peerwire: pipe closed")

const pipeBuffer = 256

type pipe struct {
	closed chan struct{}
	once   sync.Once
}

type pipeConn struct {
	p   *pipe
	in  <-chan []byte
	out chan<- []byte
}

// Pipe returns two connected in-memory connections. Closing either end
// closes both, but messages already written stay readable.
func Pipe() (Conn, Conn) {
	p := &pipe{closed: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	return &pipeConn{p: p, in: ba, out: ab}, &pipeConn{p: p, in: ab, out: ba}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.p.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-c.p.closed:
		return ErrPipeClosed
	default:
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case c.out <- msg:
		return nil
	case <-c.p.closed:
		return ErrPipeClosed
	}
}

func (c *pipeConn) Close() error {
	c.p.once.Do(func() { close(c.p.closed) })
	return nil
}
