// Package metrics exposes the Prometheus collectors shared by channels,
// protocol modules and the hub. A nil *Collector is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peerwire"

// Directions of envelope traffic.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Collector tracks traffic and lifecycle statistics.
type Collector struct {
	mu sync.RWMutex

	stats Snapshot

	envelopesTotal  *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	pendingRequests *prometheus.GaugeVec
	timeoutsTotal   *prometheus.CounterVec
	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	sessionsCurrent prometheus.Gauge
	sessionsRefused prometheus.Counter
	fanoutTotal     *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// Snapshot is a point-in-time view of the collector, served by the hub API.
type Snapshot struct {
	EnvelopesIn     uint64            `json:"envelopes_in"`
	EnvelopesOut    uint64            `json:"envelopes_out"`
	Dropped         uint64            `json:"dropped"`
	Timeouts        uint64            `json:"timeouts"`
	SessionsCurrent int64             `json:"sessions_current"`
	SessionsRefused uint64            `json:"sessions_refused"`
	Fanout          map[string]uint64 `json:"fanout"`
	CollectedAt     time.Time         `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates a collector. A nil registerer means the Prometheus default.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		stats:           Snapshot{Fanout: make(map[string]uint64)},
		registerer:      registerer,
		envelopesTotal:  newCounterVec("channel", "envelopes_total", "Envelopes sent or received", []string{"direction", "protocol"}),
		droppedTotal:    newCounterVec("channel", "dropped_total", "Inbound envelopes dropped before dispatch", []string{"reason"}),
		pendingRequests: newGaugeVec("correlation", "pending_requests", "Requests waiting for a correlated reply", []string{"module"}),
		timeoutsTotal:   newCounterVec("correlation", "timeouts_total", "Requests whose timeout won the race", []string{"module"}),
		callsTotal:      newCounterVec("rpc", "calls_total", "Handled remote calls by outcome", []string{"key", "outcome"}),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Time spent executing exposed handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"key"},
		),
		sessionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "sessions_current",
			Help:      "Sessions currently attached to the hub",
		}),
		sessionsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "sessions_refused_total",
			Help:      "Connections refused because of the connection limit",
		}),
		fanoutTotal: newCounterVec("hub", "fanout_total", "Pub envelopes delivered to sessions", []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	for _, col := range c.collectors() {
		if err := c.registerer.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// Unregister removes the collectors from the registerer.
func (c *Collector) Unregister() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, col := range c.collectors() {
		c.registerer.Unregister(col)
	}
	c.registered = false
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.envelopesTotal,
		c.droppedTotal,
		c.pendingRequests,
		c.timeoutsTotal,
		c.callsTotal,
		c.callDuration,
		c.sessionsCurrent,
		c.sessionsRefused,
		c.fanoutTotal,
	}
}

func (c *Collector) Envelope(direction, protocol string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if direction == Inbound {
		c.stats.EnvelopesIn++
	} else {
		c.stats.EnvelopesOut++
	}
	c.mu.Unlock()
	c.envelopesTotal.WithLabelValues(direction, protocol).Inc()
}

func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stats.Dropped++
	c.mu.Unlock()
	c.droppedTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) Pending(module string, n int) {
	if c == nil {
		return
	}
	c.pendingRequests.WithLabelValues(module).Set(float64(n))
}

func (c *Collector) Timeout(module string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stats.Timeouts++
	c.mu.Unlock()
	c.timeoutsTotal.WithLabelValues(module).Inc()
}

// Call records one handled remote call. outcome is "ok" or "error".
func (c *Collector) Call(key, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(key, outcome).Inc()
	c.callDuration.WithLabelValues(key).Observe(took.Seconds())
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stats.SessionsCurrent++
	c.mu.Unlock()
	c.sessionsCurrent.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stats.SessionsCurrent--
	c.mu.Unlock()
	c.sessionsCurrent.Dec()
}

func (c *Collector) SessionRefused() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stats.SessionsRefused++
	c.mu.Unlock()
	c.sessionsRefused.Inc()
}

// Fanout records n deliveries of one publication on topic.
func (c *Collector) Fanout(topic string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	c.stats.Fanout[topic] += uint64(n)
	c.mu.Unlock()
	c.fanoutTotal.WithLabelValues(topic).Add(float64(n))
}

// GetSnapshot returns a copy of the current statistics.
func (c *Collector) GetSnapshot() Snapshot {
	if c == nil {
		return Snapshot{Fanout: map[string]uint64{}, CollectedAt: time.Now()}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := c.stats
	snap.Fanout = make(map[string]uint64, len(c.stats.Fanout))
	for k, v := range c.stats.Fanout {
		snap.Fanout[k] = v
	}
	snap.CollectedAt = time.Now()
	return snap
}
