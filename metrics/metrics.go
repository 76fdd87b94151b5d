// Package metrics holds the prometheus collectors for the dispatcher and the
// engines. All methods are safe on a nil *Metrics, so components can be
// built without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxyfront"

// Entry points of the dispatch core.
const (
	EntryRequest = "request"
	EntryUpgrade = "upgrade"
)

// Metrics is the set of collectors the server exports.
type Metrics struct {
	dispatched   *prometheus.CounterVec
	staticMisses prometheus.Counter
	panics       prometheus.Counter
	streams      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Requests and upgrades dispatched, by entry point and destination.",
		}, []string{"entry", "route"}),
		staticMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "static_resolution_failures_total",
			Help:      "Static assets that vanished between classification and serving.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_panics_total",
			Help:      "Panics recovered from tunnel engine upgrade handlers.",
		}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_open_streams",
			Help:      "Streams currently open, by engine.",
		}, []string{"engine"}),
	}
	reg.MustRegister(m.dispatched, m.staticMisses, m.panics, m.streams)
	return m
}

// Dispatched counts one request or upgrade routed to route.
func (m *Metrics) Dispatched(entry, route string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(entry, route).Inc()
}

// StaticMiss counts a static asset that could not be opened after it was
// classified.
func (m *Metrics) StaticMiss() {
	if m == nil {
		return
	}
	m.staticMisses.Inc()
}

// EnginePanic counts a recovered panic.
func (m *Metrics) EnginePanic() {
	if m == nil {
		return
	}
	m.panics.Inc()
}

// StreamOpened and StreamClosed track live streams of an engine.
func (m *Metrics) StreamOpened(engine string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(engine).Inc()
}

func (m *Metrics) StreamClosed(engine string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(engine).Dec()
}

// Handler serves the registry in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
