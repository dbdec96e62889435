// Package metrics exposes tubewatch internals as prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtxerr/tubewatch/internal/history"
)

const namespace = "tubewatch"

// Metrics holds all tubewatch collectors. It implements sampler.Observer.
type Metrics struct {
	ticks         *prometheus.CounterVec
	connected     prometheus.Gauge
	fetchDuration prometheus.Histogram
	connects      prometheus.Counter
	actions       *prometheus.CounterVec
	streamClients prometheus.Gauge
	exports       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sampler_ticks_total",
			Help:      "Sampler ticks by broker connectivity.",
		}, []string{"connected"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 if the last tick reached the broker.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_fetch_duration_seconds",
			Help:      "Duration of one stats round-trip.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connects_total",
			Help:      "Broker connections established by the sampler.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Admin actions by name and result.",
		}, []string{"action", "result"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Open stats streams.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "History exports by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.ticks, m.connected, m.fetchDuration, m.connects,
		m.actions, m.streamClients, m.exports)
	return m
}

// RegisterHistory adds gauges that read h at scrape time.
func RegisterHistory(reg prometheus.Registerer, h *history.History) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_samples",
			Help:      "Samples currently retained.",
		}, func() float64 { return float64(h.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_capacity",
			Help:      "Maximum number of retained samples.",
		}, func() float64 { return float64(h.Cap()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_waiters",
			Help:      "Readers blocked waiting for the next sample.",
		}, func() float64 { return float64(h.Waiters()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_evictions_total",
			Help:      "Samples dropped to make room for newer ones.",
		}, func() float64 { return float64(h.Stats().Evictions) }),
	)
}

// ObserveTick records one sampler tick.
func (m *Metrics) ObserveTick(connected bool, fetch time.Duration) {
	if connected {
		m.ticks.WithLabelValues("true").Inc()
		m.connected.Set(1)
		m.fetchDuration.Observe(fetch.Seconds())
		return
	}
	m.ticks.WithLabelValues("false").Inc()
	m.connected.Set(0)
}

// ObserveConnect records a new broker connection.
func (m *Metrics) ObserveConnect() {
	m.connects.Inc()
}

// ObserveAction records the outcome of an admin action.
func (m *Metrics) ObserveAction(action string, err error) {
	m.actions.WithLabelValues(action, result(err)).Inc()
}

// ObserveExport records the outcome of an export.
func (m *Metrics) ObserveExport(err error) {
	m.exports.WithLabelValues(result(err)).Inc()
}

// StreamOpened and StreamClosed track open stats streams.
func (m *Metrics) StreamOpened() { m.streamClients.Inc() }

func (m *Metrics) StreamClosed() { m.streamClients.Dec() }

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
