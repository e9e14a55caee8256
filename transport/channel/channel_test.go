package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/peerwire/transport"
	"github.com/drblury/peerwire/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.False(t, caps.Distributed)
	assert.False(t, caps.RequiresDeduplication())
}

func TestBuild(t *testing.T) {
	t.Run("delivers between its own halves", func(t *testing.T) {
		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = tr.Close() })

		msgs, err := tr.Subscriber.Subscribe(context.Background(), "t1")
		require.NoError(t, err)
		published := make(chan error, 1)
		go func() {
			published <- tr.Publisher.Publish("t1", message.NewMessage("id-1", []byte(`"hi"`)))
		}()

		select {
		case msg := <-msgs:
			assert.Equal(t, "id-1", msg.UUID)
			msg.Ack()
		case <-time.After(time.Second):
			t.Fatal("no message")
		}
		require.NoError(t, <-published)
	})

	t.Run("uses custom factory", func(t *testing.T) {
		originalFactory := Factory
		defer func() { Factory = originalFactory }()

		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			assert.Equal(t, int64(OutputBuffer), cfg.OutputChannelBuffer)
			assert.True(t, cfg.BlockPublishUntilSubscriberAck)
			return pub, sub
		}

		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, pub, tr.Publisher)
		assert.Equal(t, sub, tr.Subscriber)
	})
}
