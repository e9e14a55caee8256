package channel

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversBothWays(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.WriteMessage([]byte("ping")))
	require.NoError(t, b.WriteMessage([]byte("pong")))

	got, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	got, err = a.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestPipeCloseKeepsBufferedMessages(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.WriteMessage([]byte("last words")))
	require.NoError(t, a.Close())

	got, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))

	_, err = b.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, b.WriteMessage([]byte("x")), ErrPipeClosed)
}

func TestPipeCopiesWrites(t *testing.T) {
	a, b := Pipe()
	buf := []byte("abc")
	require.NoError(t, a.WriteMessage(buf))
	buf[0] = 'z'

	got, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
