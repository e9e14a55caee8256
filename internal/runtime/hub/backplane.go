package hub

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/ids"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/metadata"
)

// publishBackplane hands one publication to every hub, this one included.
func (h *Hub) publishBackplane(topic string, payload json.RawMessage, origin string, suppress bool) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	msg := message.NewMessage(ids.CreateULID(), message.Payload(payload))
	msg.Metadata = metadata.ToWatermill(metadata.ForPublish(h.cfg.BackplaneGroup, topic, origin, suppress))
	if err := h.backplane.Publisher.Publish(h.cfg.BackplaneTopic(topic), msg); err != nil {
		return errspkg.NewTransportError("backplane publish", err)
	}
	return nil
}

// wanted reports whether some session on this hub subscribed to topic.
func (h *Hub) wanted(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.closed && len(h.topics[topic]) > 0
}

// syncFeed starts or stops the backplane subscription of topic so that it
// runs exactly while a session is subscribed.
func (h *Hub) syncFeed(topic string) {
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	stop, running := h.feeds[topic]
	want := h.wanted(topic)
	switch {
	case want && !running:
		if err := h.startFeedLocked(topic); err != nil {
			h.logger.Error("Backplane subscribe failed", err, logging.LogFields{"topic": topic})
		}
	case !want && running:
		stop()
		delete(h.feeds, topic)
	}
}

// must hold h.feedMu
func (h *Hub) startFeedLocked(topic string) error {
	ctx, cancel := context.WithCancel(h.ctx)
	msgs, err := h.backplane.Subscriber.Subscribe(ctx, h.cfg.BackplaneTopic(topic))
	if err != nil {
		cancel()
		return err
	}
	h.feeds[topic] = cancel
	h.feedWG.Add(1)
	go h.runFeed(ctx, topic, msgs)
	h.logger.Debug("Backplane feed started", logging.LogFields{"topic": topic})
	return nil
}

func (h *Hub) runFeed(ctx context.Context, topic string, msgs <-chan *message.Message) {
	defer h.feedWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			h.fanout(topic, msg)
			msg.Ack()
		}
	}
}

// duplicate reports whether the backplane already delivered msg.
func (h *Hub) duplicate(msg *message.Message) bool {
	if h.seen == nil {
		return false
	}
	found, _ := h.seen.ContainsOrAdd(msg.UUID, struct{}{})
	return found
}

// fanout delivers one backplane message to the topic's sessions.
func (h *Hub) fanout(topic string, msg *message.Message) int {
	if h.duplicate(msg) {
		h.metrics.Dropped("duplicate")
		return 0
	}
	md := metadata.FromWatermill(msg.Metadata)
	if t := md.Topic(); t != "" {
		topic = t
	}
	skip := ""
	if md.Suppress() {
		skip = md.Origin()
	}

	env := envelope.Envelope{
		Protocol: envelope.Pub,
		Key:      topic,
		ID:       h.seq.Next(),
		Data:     json.RawMessage(msg.Payload),
	}
	targets := make([]string, 0)
	for _, id := range h.Subscribers(topic) {
		if id != skip {
			targets = append(targets, id)
		}
	}
	sent := h.Multicast(env, targets...)
	h.metrics.Fanout(topic, sent)
	return sent
}
