// Package peertest wires pairs of in-memory channels for tests.
package peertest

import (
	"testing"

	"github.com/drblury/peerwire/internal/runtime/channel"
)

// Pair returns two OPEN channels joined by an in-memory pipe. Both are
// closed when the test ends.
func Pair(t testing.TB, opts ...channel.Option) (local, remote *channel.Channel) {
	t.Helper()
	a, b := channel.Pipe()
	local = channel.Accept(a, "local", opts...)
	remote = channel.Accept(b, "remote", opts...)
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return local, remote
}
