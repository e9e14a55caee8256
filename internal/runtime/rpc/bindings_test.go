package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *Call) (any, error) { return nil, nil }

func TestExposeAndUnexpose(t *testing.T) {
	b := NewBindings()
	assert.False(t, b.Unexpose("missing"))
	assert.False(t, b.Expose("", noop, false))
	assert.False(t, b.Expose("k", nil, false))

	require.True(t, b.Expose("b", noop, false))
	require.True(t, b.Expose("a", noop, true))
	assert.Equal(t, []string{"a", "b"}, b.Keys())
	assert.True(t, b.Has("a"))
	assert.False(t, b.IsRunning("a"))

	assert.True(t, b.Unexpose("a"))
	assert.False(t, b.Has("a"))
}

func TestExposeReplacesIdleBinding(t *testing.T) {
	b := NewBindings()
	require.True(t, b.Expose("k", noop, true))
	require.True(t, b.Expose("k", add2, false))

	bd, ticket, ok := b.admit("k")
	require.True(t, ok)
	assert.Nil(t, ticket)
	assert.False(t, bd.exclusive)
	b.done("k", bd, ticket)
}

func TestRunningExclusiveBindingIsProtected(t *testing.T) {
	b := NewBindings()
	require.True(t, b.Expose("k", noop, true))

	bd, ticket, ok := b.admit("k")
	require.True(t, ok)
	require.NotNil(t, ticket)
	require.NoError(t, ticket.Wait(context.Background()))

	assert.True(t, b.IsRunning("k"))
	assert.False(t, b.Expose("k", noop, false))
	assert.False(t, b.Unexpose("k"))

	b.done("k", bd, ticket)
	assert.False(t, b.IsRunning("k"))
	assert.True(t, b.Unexpose("k"))
}

func TestRunningSharedBindingCanBeReplacedButNotRemoved(t *testing.T) {
	b := NewBindings()
	require.True(t, b.Expose("k", noop, false))

	bd, ticket, ok := b.admit("k")
	require.True(t, ok)
	assert.True(t, b.IsRunning("k"))
	assert.False(t, b.Unexpose("k"))
	assert.True(t, b.Expose("k", add2, false))

	b.done("k", bd, ticket)
	assert.False(t, b.IsRunning("k"))
	assert.True(t, b.Unexpose("k"))
}
