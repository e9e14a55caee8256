package hub

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/drblury/peerwire/internal/runtime/channel"
	"github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/logging"
)

// TopicInfo is the JSON view of a topic.
type TopicInfo struct {
	Topic    string   `json:"topic"`
	Sessions []string `json:"sessions"`
	Local    bool     `json:"local"`
}

func (h *Hub) handleTopics(sess *Session) error {
	handlers := map[envelope.Protocol]channel.HandlerFunc{
		envelope.SubCall: func(_ context.Context, env envelope.Envelope) {
			h.handleSubscribe(sess, env)
		},
		envelope.UnsubCall: func(_ context.Context, env envelope.Envelope) {
			h.handleUnsubscribe(sess, env)
		},
		envelope.PubCall: func(_ context.Context, env envelope.Envelope) {
			h.handlePublish(sess, env)
		},
	}
	for p, fn := range handlers {
		if err := sess.Channel.Handle(p, fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) handleSubscribe(sess *Session, env envelope.Envelope) {
	if env.Key == "" {
		h.replyTopic(sess, envelope.Failure(envelope.SubReturn, env.Key, env.ID, errspkg.MsgTopicIncorrect))
		return
	}
	h.mu.Lock()
	members, ok := h.topics[env.Key]
	if !ok {
		members = make(map[string]struct{})
		h.topics[env.Key] = members
	}
	members[sess.ID] = struct{}{}
	h.mu.Unlock()

	// The feed exists before the acknowledgement so nothing published after
	// it can be missed.
	h.syncFeed(env.Key)
	h.replyTopic(sess, envelope.Envelope{Protocol: envelope.SubReturn, Key: env.Key, ID: env.ID})
}

func (h *Hub) handleUnsubscribe(sess *Session, env envelope.Envelope) {
	if env.Key == "" {
		h.replyTopic(sess, envelope.Failure(envelope.UnsubReturn, env.Key, env.ID, errspkg.MsgTopicIncorrect))
		return
	}
	h.mu.Lock()
	if members, ok := h.topics[env.Key]; ok {
		delete(members, sess.ID)
		if len(members) == 0 {
			delete(h.topics, env.Key)
		}
	}
	h.mu.Unlock()

	h.syncFeed(env.Key)
	h.replyTopic(sess, envelope.Envelope{Protocol: envelope.UnsubReturn, Key: env.Key, ID: env.ID})
}

func (h *Hub) handlePublish(sess *Session, env envelope.Envelope) {
	h.replyTopic(sess, envelope.Envelope{Protocol: envelope.PubReturn, Key: env.Key, ID: env.ID})
	if env.Key == "" {
		return
	}
	h.runLocal(env.Key, env.Data)
	if err := h.publishBackplane(env.Key, env.Data, sess.ID, env.SuppressSelf); err != nil {
		h.logger.Error("Backplane publish failed", err, logging.LogFields{"topic": env.Key, "session": sess.ID})
	}
}

func (h *Hub) replyTopic(sess *Session, env envelope.Envelope) {
	if err := sess.Channel.Send(env); err != nil {
		h.logger.Debug("Topic reply not sent", logging.LogFields{
			"session":  sess.ID,
			"protocol": env.Protocol.String(),
			"error":    err.Error(),
		})
	}
}

// runLocal hands a publication to the hub's own callback for topic.
func (h *Hub) runLocal(topic string, payload json.RawMessage) {
	h.mu.RLock()
	cb, ok := h.callbacks[topic]
	h.mu.RUnlock()
	if !ok {
		return
	}
	data := append([]byte(nil), payload...)
	h.deliver.Submit(func() { cb(topic, data) })
}

// Subscribe binds cb to topic on the hub itself, replacing any earlier
// callback. Only publications entering through this hub reach it.
func (h *Hub) Subscribe(topic string, cb Callback) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if cb == nil {
		return errspkg.ErrHandlerRequired
	}
	h.mu.Lock()
	h.callbacks[topic] = cb
	h.mu.Unlock()
	return nil
}

// Unsubscribe removes the hub's own callback for topic.
func (h *Hub) Unsubscribe(topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.callbacks[topic]; !ok {
		return errspkg.ErrNotSubscribed
	}
	delete(h.callbacks, topic)
	return nil
}

// Topics lists the topics the hub itself subscribed to.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.callbacks))
	for topic := range h.callbacks {
		out = append(out, topic)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Subscribers lists the sessions subscribed to topic on this hub.
func (h *Hub) Subscribers(topic string) []string {
	h.mu.RLock()
	members := h.topics[topic]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// TopicInfos describes every topic with a session subscriber or a hub
// callback.
func (h *Hub) TopicInfos() []TopicInfo {
	h.mu.RLock()
	names := make(map[string]struct{}, len(h.topics)+len(h.callbacks))
	for topic := range h.topics {
		names[topic] = struct{}{}
	}
	for topic := range h.callbacks {
		names[topic] = struct{}{}
	}
	h.mu.RUnlock()

	out := make([]TopicInfo, 0, len(names))
	for topic := range names {
		h.mu.RLock()
		_, local := h.callbacks[topic]
		h.mu.RUnlock()
		out = append(out, TopicInfo{Topic: topic, Sessions: h.Subscribers(topic), Local: local})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Publish sends payload to every session subscribed to topic on any hub.
// The hub's own callback runs unless suppressLocal is set.
func (h *Hub) Publish(ctx context.Context, topic string, payload any, suppressLocal bool) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if h.isClosed() {
		return errspkg.ErrClosed
	}
	env, err := envelope.New(envelope.Pub, topic, 0, payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !suppressLocal {
		h.runLocal(topic, env.Data)
	}
	return h.publishBackplane(topic, env.Data, "", false)
}

// Broadcast sends env to every session and returns how many accepted it.
func (h *Hub) Broadcast(env envelope.Envelope) int {
	return h.Multicast(env, h.Sessions()...)
}

// Multicast sends env to the listed sessions and returns how many accepted
// it. Unknown ids are skipped.
func (h *Hub) Multicast(env envelope.Envelope, ids ...string) int {
	sent := 0
	for _, id := range ids {
		sess, ok := h.Session(id)
		if !ok {
			continue
		}
		if err := sess.Channel.Send(env); err != nil {
			h.logger.Debug("Multicast skipped session", logging.LogFields{"session": id, "error": err.Error()})
			continue
		}
		sent++
	}
	return sent
}
