package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/metadata"
	"github.com/drblury/peerwire/transport"
	"github.com/drblury/peerwire/transport/transporttest"
)

func sharedBackplane() transport.Transport {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            16,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	return transport.Transport{Publisher: ps, Subscriber: ps}
}

func TestBackplaneAcrossHubs(t *testing.T) {
	tr := sharedBackplane()
	caps := transport.Capabilities{Name: "shared", Distributed: true}

	cfgA := testConfig()
	cfgA.BackplaneGroup = "a"
	cfgA.BackplaneTopicPrefix = "pw."
	cfgB := cfgA
	cfgB.BackplaneGroup = "b"

	hubA, srvA := startHub(t, cfgA, WithBackplane(tr, caps))
	hubB, srvB := startHub(t, cfgB, WithBackplane(tr, caps))
	onA := dial(t, hubA, srvA)
	onB := dial(t, hubB, srvB)

	var gotA, gotB inbox
	require.NoError(t, onA.topics.Subscribe(ctxFor(t), "news", gotA.pubsub, waitFor))
	require.NoError(t, onB.topics.Subscribe(ctxFor(t), "news", gotB.pubsub, waitFor))

	require.NoError(t, onB.topics.Publish(ctxFor(t), "news", "from b", true, waitFor))
	require.NoError(t, onA.topics.Publish(ctxFor(t), "news", "from a", false, waitFor))

	assert.Equal(t, []string{`"from b"`, `"from a"`}, gotA.waitLen(t, 2))
	assert.Equal(t, []string{`"from a"`}, gotB.waitLen(t, 1))
	assert.Equal(t, caps, hubA.Capabilities())

	t.Run("messages carry routing metadata", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		msgs, err := tr.Subscriber.Subscribe(ctx, "pw.news")
		require.NoError(t, err)

		done := make(chan *message.Message, 1)
		go func() {
			msg := <-msgs
			msg.Ack()
			done <- msg
		}()
		require.NoError(t, hubB.Publish(ctxFor(t), "news", 42, false))

		select {
		case msg := <-done:
			md := metadata.FromWatermill(msg.Metadata)
			assert.Equal(t, "news", md.Topic())
			assert.Equal(t, "b", md.Hub())
			assert.Empty(t, md.Origin())
			assert.False(t, md.Suppress())
			assert.JSONEq(t, `42`, string(msg.Payload))
		case <-time.After(waitFor):
			t.Fatal("nothing published on the prefixed topic")
		}
	})
}

func TestFanoutDeduplicates(t *testing.T) {
	caps := transport.Capabilities{Name: "at-least-once", AtLeastOnce: true}
	h, srv := startHub(t, testConfig(), WithBackplane(sharedBackplane(), caps))
	require.NotNil(t, h.seen)

	c := dial(t, h, srv)
	var got inbox
	require.NoError(t, c.topics.Subscribe(ctxFor(t), "news", got.pubsub, waitFor))

	msg := message.NewMessage("dup-1", []byte(`"once"`))
	msg.Metadata = metadata.ToWatermill(metadata.ForPublish("other", "news", "", false))
	assert.Equal(t, 1, h.fanout("news", msg))
	assert.Equal(t, 0, h.fanout("news", msg.Copy()))

	assert.Equal(t, []string{`"once"`}, got.waitLen(t, 1))
}

func TestFanoutWithoutDedup(t *testing.T) {
	cfg := testConfig()
	cfg.DedupCacheSize = 0
	caps := transport.Capabilities{Name: "at-least-once", AtLeastOnce: true}
	h, srv := startHub(t, cfg, WithBackplane(sharedBackplane(), caps))
	assert.Nil(t, h.seen)

	c := dial(t, h, srv)
	var got inbox
	require.NoError(t, c.topics.Subscribe(ctxFor(t), "news", got.pubsub, waitFor))

	// Without metadata the feed topic is used.
	msg := message.NewMessage("dup-1", []byte(`"twice"`))
	assert.Equal(t, 1, h.fanout("news", msg))
	assert.Equal(t, 1, h.fanout("news", msg))
	assert.Len(t, got.waitLen(t, 2), 2)
}

func TestBackplaneFailures(t *testing.T) {
	t.Run("publish error is a transport error", func(t *testing.T) {
		pub := &transporttest.Publisher{Err: errors.New("broker down")}
		sub := &transporttest.Subscriber{}
		h, _ := startHub(t, testConfig(), WithBackplane(transport.Transport{Publisher: pub, Subscriber: sub}, transport.ChannelCapabilities))

		err := h.Publish(ctxFor(t), "news", "x", true)
		require.Error(t, err)
		assert.True(t, errspkg.IsTransport(err))
	})

	t.Run("subscribe error leaves no feed", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{Err: errors.New("no subscriptions")}
		h, srv := startHub(t, testConfig(), WithBackplane(transport.Transport{Publisher: pub, Subscriber: sub}, transport.ChannelCapabilities))

		c := dial(t, h, srv)
		require.NoError(t, c.topics.Subscribe(ctxFor(t), "news", func(string, json.RawMessage) {}, waitFor))
		assert.Empty(t, h.Feeds())
	})

	t.Run("feeds subscribe to the prefixed topic and close with the hub", func(t *testing.T) {
		cfg := testConfig()
		cfg.BackplaneTopicPrefix = "pw."
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		h, srv := startHub(t, cfg, WithBackplane(transport.Transport{Publisher: pub, Subscriber: sub}, transport.ChannelCapabilities))

		c := dial(t, h, srv)
		require.NoError(t, c.topics.Subscribe(ctxFor(t), "news", func(string, json.RawMessage) {}, waitFor))
		require.NoError(t, c.topics.Publish(ctxFor(t), "news", "x", false, waitFor))
		require.Eventually(t, func() bool { return len(pub.Published("pw.news")) == 1 }, waitFor, 5*time.Millisecond)

		require.NoError(t, h.Close())
		assert.Equal(t, []string{"pw.news"}, sub.Topics)
		assert.True(t, sub.Closed)
		assert.True(t, pub.Closed)
	})
}

func TestBuildsConfiguredBackplane(t *testing.T) {
	cfg := testConfig()
	cfg.PubSubSystem = "gochannel"
	h, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	assert.Equal(t, transport.ChannelCapabilities, h.Capabilities())
	assert.Nil(t, h.seen)
}
