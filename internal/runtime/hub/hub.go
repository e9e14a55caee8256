// Package hub is the server end of peerwire. It accepts websocket sessions,
// assigns their identity, answers subscriptions and fans publications out to
// subscribed sessions through a watermill backplane shared by every hub
// instance.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/olahol/melody"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/peerwire/internal/runtime/config"
	"github.com/drblury/peerwire/internal/runtime/correlation"
	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/internal/runtime/metrics"
	"github.com/drblury/peerwire/internal/runtime/queue"
	"github.com/drblury/peerwire/internal/runtime/rpc"
	"github.com/drblury/peerwire/internal/runtime/serial"
	"github.com/drblury/peerwire/transport"
	// The in-process backplane is the default and always available.
	_ "github.com/drblury/peerwire/transport/channel"
)

// Callback receives publications on a topic the hub itself subscribed to.
type Callback func(topic string, payload []byte)

// SessionEvent tells whether a session arrived or left.
type SessionEvent int

const (
	SessionConnected SessionEvent = iota + 1
	SessionDisconnected
)

func (e SessionEvent) String() string {
	switch e {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("SessionEvent(%d)", int(e))
}

// Hub accepts sessions and routes topics between them.
type Hub struct {
	cfg     config.Config
	logger  logging.ServiceLogger
	metrics *metrics.Collector
	gather  prometheus.Gatherer

	melody   *melody.Melody
	router   http.Handler
	bindings *rpc.Bindings
	store    *queue.Store
	hooks    *rpc.CallHooks

	backplane transport.Transport
	caps      transport.Capabilities
	seen      *lru.Cache[string, struct{}]
	seq       *correlation.Sequence
	deliver   *serial.Executor

	ctx    context.Context
	cancel context.CancelFunc
	feedWG sync.WaitGroup

	// mu guards sessions, joining, topics, callbacks, listeners and closed.
	mu        sync.RWMutex
	sessions  map[string]*Session
	joining   int
	topics    map[string]map[string]struct{}
	callbacks map[string]Callback
	onSession []func(*Session)
	onEvent   []func(id string, ev SessionEvent)
	closed    bool

	// feedMu serializes starting and stopping backplane feeds.
	feedMu sync.Mutex
	feeds  map[string]context.CancelFunc
}

// Option configures a Hub.
type Option func(*options)

type options struct {
	logger    logging.ServiceLogger
	registry  *prometheus.Registry
	bindings  *rpc.Bindings
	store     *queue.Store
	hooks     *rpc.CallHooks
	backplane *transport.Transport
	caps      transport.Capabilities
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers the hub metrics on reg instead of a private
// registry. It only matters when metrics are enabled.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithBindings shares exposed functions, and their exclusivity, with other
// brokers.
func WithBindings(b *rpc.Bindings) Option {
	return func(o *options) { o.bindings = b }
}

// WithStore shares the queue store that every session pushes into.
func WithStore(s *queue.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCallHooks observes every call a session makes to an exposed function.
func WithCallHooks(h rpc.CallHooks) Option {
	return func(o *options) { o.hooks = &h }
}

// WithBackplane uses tr instead of building one from the configuration. The
// hub closes it on Close.
func WithBackplane(tr transport.Transport, caps transport.Capabilities) Option {
	return func(o *options) {
		o.backplane = &tr
		o.caps = caps
	}
}

// New validates cfg, connects the backplane and returns a hub ready to
// serve. Nothing listens until Run or Handler is used.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger).With(logging.LogFields{"hub": cfg.BackplaneGroup})

	h := &Hub{
		cfg:       cfg,
		logger:    logger,
		bindings:  o.bindings,
		store:     o.store,
		hooks:     o.hooks,
		seq:       correlation.NewSequence(),
		deliver:   serial.New(),
		sessions:  make(map[string]*Session),
		topics:    make(map[string]map[string]struct{}),
		callbacks: make(map[string]Callback),
		feeds:     make(map[string]context.CancelFunc),
	}
	if h.bindings == nil {
		h.bindings = rpc.NewBindings()
	}
	if h.store == nil {
		h.store = queue.NewStore(logger)
	}
	h.deliver.OnPanic = func(r any) {
		h.logger.Error("Topic callback panicked", serial.PanicError(r), nil)
	}

	if err := h.setupMetrics(o.registry); err != nil {
		return nil, err
	}
	if err := h.setupBackplane(ctx, o.backplane, o.caps); err != nil {
		return nil, err
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.melody = h.newMelody()
	h.router = h.newRouter()
	return h, nil
}

func (h *Hub) setupMetrics(reg *prometheus.Registry) error {
	if !h.cfg.MetricsEnabled {
		return nil
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	h.metrics = metrics.New(reg)
	if err := h.metrics.Register(); err != nil {
		return fmt.Errorf("register hub metrics: %w", err)
	}
	h.gather = reg
	return nil
}

func (h *Hub) setupBackplane(ctx context.Context, tr *transport.Transport, caps transport.Capabilities) error {
	if tr != nil {
		h.backplane = *tr
		h.caps = caps
	} else {
		built, err := transport.Build(ctx, &h.cfg, logging.NewWatermillAdapter(h.logger))
		if err != nil {
			return fmt.Errorf("build backplane %q: %w", h.cfg.PubSubSystem, err)
		}
		h.backplane = built
		h.caps = transport.GetCapabilities(backplaneName(h.cfg.PubSubSystem))
	}

	if h.caps.RequiresDeduplication() && h.cfg.DedupCacheSize > 0 {
		seen, err := lru.New[string, struct{}](h.cfg.DedupCacheSize)
		if err != nil {
			_ = h.backplane.Close()
			return err
		}
		h.seen = seen
	}
	h.logger.Info("Backplane ready", logging.LogFields{
		"system":      h.caps.Name,
		"distributed": h.caps.Distributed,
		"dedup":       h.seen != nil,
	})
	return nil
}

func backplaneName(system string) string {
	if system == "" || system == "gochannel" {
		return "channel"
	}
	return system
}

// Config returns the configuration the hub was built with.
func (h *Hub) Config() config.Config { return h.cfg }

// Capabilities describes the backplane in use.
func (h *Hub) Capabilities() transport.Capabilities { return h.caps }

// Metrics returns the collector, or nil when metrics are disabled.
func (h *Hub) Metrics() *metrics.Collector { return h.metrics }

// Bindings holds the functions sessions may call.
func (h *Hub) Bindings() *rpc.Bindings { return h.bindings }

// Store holds the items sessions pushed.
func (h *Hub) Store() *queue.Store { return h.store }

// OnSession runs fn for every new session before it is announced as
// connected.
func (h *Hub) OnSession(fn func(*Session)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.onSession = append(h.onSession, fn)
	h.mu.Unlock()
}

// OnSessionEvent runs fn whenever a session connects or disconnects.
func (h *Hub) OnSessionEvent(fn func(id string, ev SessionEvent)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.onEvent = append(h.onEvent, fn)
	h.mu.Unlock()
}

func (h *Hub) emit(id string, ev SessionEvent) {
	h.mu.RLock()
	listeners := append([]func(string, SessionEvent){}, h.onEvent...)
	h.mu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("Session event listener panicked", fmt.Errorf("%v", r), logging.LogFields{"session": id})
				}
			}()
			fn(id, ev)
		}()
	}
}

// Sessions returns the ids of attached sessions in connection order.
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

// Session returns the attached session with id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// CloseSession disconnects one session.
func (h *Hub) CloseSession(id string) error {
	s, ok := h.Session(id)
	if !ok {
		return fmt.Errorf("%w: session %s", errspkg.ErrNotOpen, id)
	}
	return s.Channel.Close()
}

// Close disconnects every session, stops the backplane feeds and closes the
// backplane. Calling it again is a no-op.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.melody.Close(); err != nil && !errors.Is(err, melody.ErrClosed) {
		errs = append(errs, err)
	}

	h.cancel()
	h.feedMu.Lock()
	for topic, stop := range h.feeds {
		stop()
		delete(h.feeds, topic)
	}
	h.feedMu.Unlock()
	h.feedWG.Wait()

	if err := h.backplane.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backplane: %w", err))
	}
	h.deliver.Wait()
	h.metrics.Unregister()
	h.logger.Info("Hub closed", nil)
	return errors.Join(errs...)
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// ackTimeout turns the configured default into the value the protocol
// modules expect.
func (h *Hub) ackTimeout(timeout time.Duration) time.Duration {
	if timeout != 0 {
		return timeout
	}
	return h.cfg.DefaultTimeout
}
