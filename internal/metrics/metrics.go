// Package metrics exposes connection, cache and bootstrap counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several engines (and tests) can coexist.
// All methods are safe on a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	connState       *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	inWindow        *prometheus.GaugeVec
	frames          *prometheus.CounterVec
	protocolErrors  *prometheus.CounterVec
	bookUpdates     *prometheus.CounterVec
	tradesAppended  *prometheus.CounterVec
	bootstrapErrors *prometheus.CounterVec
	staleSeeds      *prometheus.CounterVec
	emitted         prometheus.Counter
	coalesced       prometheus.Counter
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketsync_connection_state",
			Help: "Current lifecycle state of a stream connection (enum value)",
		}, []string{"kind", "symbol"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_reconnects_total",
			Help: "Scheduled reconnect attempts",
		}, []string{"kind", "symbol"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_connect_rate_limited_total",
			Help: "Connection attempts deferred by the connection-rate limiter",
		}, []string{"kind"}),
		inWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketsync_connect_attempts_in_window",
			Help: "Connection attempts counted against the sliding window at the last check",
		}, []string{"kind"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_frames_total",
			Help: "Inbound stream frames",
		}, []string{"kind", "symbol"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_protocol_errors_total",
			Help: "Frames that could not be decoded",
		}, []string{"kind"}),
		bookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_book_updates_total",
			Help: "Book updates merged into the cache",
		}, []string{"symbol", "update"}),
		tradesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_trades_appended_total",
			Help: "Trades prepended to the rolling window",
		}, []string{"symbol"}),
		bootstrapErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_bootstrap_errors_total",
			Help: "Failed snapshot fetches",
		}, []string{"op"}),
		staleSeeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_stale_seeds_total",
			Help: "Snapshots discarded because newer data was already cached",
		}, []string{"symbol"}),
		emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketsync_view_emits_total",
			Help: "View emissions delivered to observers",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketsync_view_coalesced_total",
			Help: "View changes superseded before emission",
		}),
	}

	m.reg.MustRegister(
		m.connState, m.reconnects, m.rateLimited, m.inWindow, m.frames, m.protocolErrors,
		m.bookUpdates, m.tradesAppended, m.bootstrapErrors, m.staleSeeds,
		m.emitted, m.coalesced,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SetConnectionState(kind, symbol string, state int) {
	if m == nil {
		return
	}
	m.connState.WithLabelValues(kind, symbol).Set(float64(state))
}

func (m *Metrics) IncReconnect(kind, symbol string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(kind, symbol).Inc()
}

func (m *Metrics) IncRateLimited(kind string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetAttemptsInWindow(kind string, n int) {
	if m == nil {
		return
	}
	m.inWindow.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) IncFrame(kind, symbol string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind, symbol).Inc()
}

func (m *Metrics) IncProtocolError(kind string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncBookUpdate(symbol, update string) {
	if m == nil {
		return
	}
	m.bookUpdates.WithLabelValues(symbol, update).Inc()
}

func (m *Metrics) AddTrades(symbol string, n int) {
	if m == nil {
		return
	}
	m.tradesAppended.WithLabelValues(symbol).Add(float64(n))
}

func (m *Metrics) IncBootstrapError(op string) {
	if m == nil {
		return
	}
	m.bootstrapErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncStaleSeed(symbol string) {
	if m == nil {
		return
	}
	m.staleSeeds.WithLabelValues(symbol).Inc()
}

func (m *Metrics) IncEmitted() {
	if m == nil {
		return
	}
	m.emitted.Inc()
}

func (m *Metrics) IncCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}
