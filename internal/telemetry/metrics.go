// Package telemetry exposes portal counters in Prometheus format.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal"

// Metrics groups every collector used by a portal process. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	proposals       prometheus.Counter
	commits         prometheus.Counter
	aborts          *prometheus.CounterVec
	drops           *prometheus.CounterVec
	pendingOps      prometheus.Gauge
	requestTimeouts prometheus.Counter

	relayConnections prometheus.Gauge
	relayRooms       prometheus.Gauge
	relayMessages    *prometheus.CounterVec
	relayRateLimited prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Writes proposed by this peer.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Writes committed to the store.",
		}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Replication operations abandoned before commit.",
		}, []string{"reason"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Writes or pushes dropped without creating an operation.",
		}, []string{"reason"}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Replication operations currently in flight.",
		}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Requests that received no response in time.",
		}),

		relayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay websocket connections.",
		}),
		relayRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames handled by the relay.",
		}, []string{"type"}),
		relayRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Frames rejected by the relay rate limiter.",
		}),
	}

	m.registry.MustRegister(
		m.proposals, m.commits, m.aborts, m.drops, m.pendingOps, m.requestTimeouts,
		m.relayConnections, m.relayRooms, m.relayMessages, m.relayRateLimited,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Proposed() {
	if m != nil {
		m.proposals.Inc()
	}
}

func (m *Metrics) Committed() {
	if m != nil {
		m.commits.Inc()
	}
}

func (m *Metrics) Aborted(reason string) {
	if m != nil {
		m.aborts.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingOps.Set(float64(n))
	}
}

func (m *Metrics) RequestTimedOut() {
	if m != nil {
		m.requestTimeouts.Inc()
	}
}

// RelayConnected adjusts the open connection gauge by delta.
func (m *Metrics) RelayConnected(delta int) {
	if m != nil {
		m.relayConnections.Add(float64(delta))
	}
}

func (m *Metrics) SetRelayRooms(n int) {
	if m != nil {
		m.relayRooms.Set(float64(n))
	}
}

func (m *Metrics) RelayFrame(frameType string) {
	if m != nil {
		m.relayMessages.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) RelayRateLimited() {
	if m != nil {
		m.relayRateLimited.Inc()
	}
}
