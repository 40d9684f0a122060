// Package metrics exposes client connection counters to Prometheus.
//
// Each client owns a Metrics with its own registry so several clients in
// one process do not collide. All recording methods are safe on a nil
// *Metrics, which disables collection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "wacore"

// Metrics holds the collectors for one client.
type Metrics struct {
	registry *prometheus.Registry

	framesIn        prometheus.Counter
	framesOut       prometheus.Counter
	reconnects      prometheus.Counter
	requestTimeouts prometheus.Counter
	decryptFailures *prometheus.CounterVec
	events          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	state           prometheus.Gauge
}

// New creates and registers the client collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "frames_received_total",
			Help: "Decrypted frames received from the server.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "frames_sent_total",
			Help: "Frames sent to the server.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "reconnects_total",
			Help: "Automatic reconnect attempts.",
		}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Name: "request_timeouts_total",
			Help: "Queries that received no response in time.",
		}),
		decryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "decrypt_failures_total",
			Help: "Inbound messages that failed to decrypt.",
		}, []string{"type"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "events_total",
			Help: "Events dispatched to handlers.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "state_transitions_total",
			Help: "Connection lifecycle transitions.",
		}, []string{"to"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "connection_state",
			Help: "Current lifecycle state as its numeric value.",
		}),
	}
	m.registry.MustRegister(
		m.framesIn, m.framesOut, m.reconnects, m.requestTimeouts,
		m.decryptFailures, m.events, m.transitions, m.state,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesIn.Inc()
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.framesOut.Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) RequestTimeout() {
	if m != nil {
		m.requestTimeouts.Inc()
	}
}

// DecryptFailure counts a failed decryption of the given ciphertext type.
func (m *Metrics) DecryptFailure(encType string) {
	if m != nil {
		m.decryptFailures.WithLabelValues(encType).Inc()
	}
}

// Event counts a dispatched event by its type name.
func (m *Metrics) Event(eventType string) {
	if m != nil {
		m.events.WithLabelValues(eventType).Inc()
	}
}

// StateChanged records a transition into state, named name.
func (m *Metrics) StateChanged(state int, name string) {
	if m != nil {
		m.state.Set(float64(state))
		m.transitions.WithLabelValues(name).Inc()
	}
}
