package hub

import (
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/olahol/melody"

	"github.com/drblury/peerwire/internal/runtime/channel"
	"github.com/drblury/peerwire/internal/runtime/envelope"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/ids"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/queue"
	"github.com/drblury/peerwire/internal/runtime/rpc"
)

const sessionKey = "peerwire.session"

// Session is one attached peer. Its channel is OPEN for as long as the
// session is listed by the hub.
type Session struct {
	ID          string
	Channel     *channel.Channel
	Broker      *rpc.Broker
	Queue       *queue.Service
	ConnectedAt time.Time
	RemoteAddr  string

	conn *sessionConn
}

// SessionInfo is the JSON view of a session.
type SessionInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	Topics      []string  `json:"topics"`
}

// sessionConn feeds melody's inbound messages to a channel read loop.
type sessionConn struct {
	s    *melody.Session
	in   chan []byte
	done chan struct{}
	once sync.Once
}

func newSessionConn(s *melody.Session) *sessionConn {
	return &sessionConn{s: s, in: make(chan []byte), done: make(chan struct{})}
}

// push blocks melody's reader until the channel took msg, which keeps
// inbound order and applies backpressure.
func (c *sessionConn) push(msg []byte) {
	select {
	case c.in <- msg:
	case <-c.done:
	}
}

func (c *sessionConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *sessionConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return errspkg.ErrClosed
	default:
	}
	return c.s.Write(data)
}

func (c *sessionConn) hangup() {
	c.once.Do(func() { close(c.done) })
}

func (c *sessionConn) Close() error {
	c.hangup()
	if c.s.IsClosed() {
		return nil
	}
	return c.s.Close()
}

func (h *Hub) newMelody() *melody.Melody {
	m := melody.New()
	m.Config.MaxMessageSize = h.cfg.MaxMessageSize
	if h.cfg.WriteTimeout > 0 {
		m.Config.WriteWait = h.cfg.WriteTimeout
	}
	if len(h.cfg.CORSAllowedOrigins) > 0 {
		m.Upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.allowedOrigin(origin) != ""
		}
	}

	m.HandleConnect(h.handleConnect)
	m.HandleDisconnect(h.handleDisconnect)
	m.HandleMessage(h.handleMessage)
	m.HandleMessageBinary(h.handleMessage)
	m.HandleError(func(s *melody.Session, err error) {
		h.logger.Debug("Websocket error", logging.LogFields{"error": err.Error(), "remote": s.RemoteAddr().String()})
	})
	return m
}

func (h *Hub) handleMessage(s *melody.Session, msg []byte) {
	if sess := sessionOf(s); sess != nil {
		sess.conn.push(msg)
	}
}

func (h *Hub) handleDisconnect(s *melody.Session) {
	if sess := sessionOf(s); sess != nil {
		sess.conn.hangup()
	}
}

func sessionOf(s *melody.Session) *Session {
	v, ok := s.Get(sessionKey)
	if !ok {
		return nil
	}
	sess, _ := v.(*Session)
	return sess
}

// admit reserves a slot for a joining session, or reports that the limit
// is reached.
func (h *Hub) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if limit := h.cfg.MaxConnections; limit > 0 && len(h.sessions)+h.joining >= limit {
		return false
	}
	h.joining++
	return true
}

func (h *Hub) refuse(s *melody.Session) {
	h.metrics.SessionRefused()
	h.logger.Info("Refusing session", logging.LogFields{"remote": s.RemoteAddr().String(), "limit": h.cfg.MaxConnections})

	raw, err := envelope.Encode(envelope.Failure(envelope.System, envelope.KeyConnect, 0, errspkg.MsgConnectionLimit))
	if err == nil {
		_ = s.Write(raw)
	}
	_ = s.CloseWithMsg(melody.FormatCloseMessage(melody.ClosePolicyViolation, "connection limit"))
}

func (h *Hub) handleConnect(s *melody.Session) {
	if !h.admit() {
		h.refuse(s)
		return
	}

	id := ids.NewSessionID()
	logger := h.logger.With(logging.LogFields{"session": id})
	sess := &Session{
		ID:          id,
		ConnectedAt: time.Now(),
		RemoteAddr:  s.RemoteAddr().String(),
		conn:        newSessionConn(s),
	}
	s.Set(sessionKey, sess)

	sess.Channel = channel.Accept(sess.conn, id, channel.WithLogger(logger), channel.WithMetrics(h.metrics))
	if err := h.attachModules(sess, logger); err != nil {
		logger.Error("Session setup failed", err, nil)
		h.mu.Lock()
		h.joining--
		h.mu.Unlock()
		_ = sess.Channel.Close()
		return
	}

	sess.Channel.OnClose(func(error) error {
		h.dropSession(id)
		return nil
	})
	if err := sess.Channel.SendValue(envelope.System, envelope.KeyConnect, 0, id); err != nil {
		logger.Error("Handshake failed", err, nil)
		h.mu.Lock()
		h.joining--
		h.mu.Unlock()
		_ = sess.Channel.Close()
		return
	}

	h.mu.Lock()
	h.joining--
	if sess.Channel.State() != channel.Open {
		h.mu.Unlock()
		return
	}
	h.sessions[id] = sess
	hooks := append([]func(*Session){}, h.onSession...)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(sess)
	}
	h.metrics.SessionOpened()
	logger.Info("Session connected", logging.LogFields{"remote": sess.RemoteAddr})
	h.emit(id, SessionConnected)
}

func (h *Hub) attachModules(sess *Session, logger logging.ServiceLogger) error {
	brokerOpts := []rpc.Option{rpc.WithBindings(h.bindings), rpc.WithLogger(logger), rpc.WithMetrics(h.metrics)}
	if h.hooks != nil {
		brokerOpts = append(brokerOpts, rpc.WithHooks(*h.hooks))
	}
	broker, err := rpc.NewBroker(sess.Channel, brokerOpts...)
	if err != nil {
		return err
	}
	svc, err := queue.NewService(sess.Channel, queue.WithStore(h.store), queue.WithLogger(logger), queue.WithMetrics(h.metrics))
	if err != nil {
		return err
	}
	sess.Broker = broker
	sess.Queue = svc
	return h.handleTopics(sess)
}

// dropSession forgets a session whose channel went away.
func (h *Hub) dropSession(id string) {
	h.mu.Lock()
	if _, ok := h.sessions[id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, id)
	var left []string
	for topic, members := range h.topics {
		if _, ok := members[id]; !ok {
			continue
		}
		delete(members, id)
		if len(members) == 0 {
			delete(h.topics, topic)
			left = append(left, topic)
		}
	}
	h.mu.Unlock()

	for _, topic := range left {
		h.syncFeed(topic)
	}
	h.metrics.SessionClosed()
	h.logger.Info("Session disconnected", logging.LogFields{"session": id})
	h.emit(id, SessionDisconnected)
}

func (h *Hub) info(s *Session) SessionInfo {
	h.mu.RLock()
	topics := []string{}
	for topic, members := range h.topics {
		if _, ok := members[s.ID]; ok {
			topics = append(topics, topic)
		}
	}
	h.mu.RUnlock()
	sort.Strings(topics)
	return SessionInfo{ID: s.ID, ConnectedAt: s.ConnectedAt, RemoteAddr: s.RemoteAddr, Topics: topics}
}
