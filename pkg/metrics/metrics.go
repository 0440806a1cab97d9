// Package metrics holds the Prometheus collectors a site exposes on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "twopc"

// Metrics is a per-site collector set. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsFinished *prometheus.CounterVec
	TransactionsActive   *prometheus.GaugeVec
	InDoubt              prometheus.Gauge
	Timeouts             *prometheus.CounterVec
	Resends              *prometheus.CounterVec
	LogAppends           prometheus.Counter
	LogFlushes           prometheus.Counter
	LogFlushLatency      prometheus.Histogram
	MessagesDropped      prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TransactionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_finished_total",
			Help:      "Transactions that reached DONE, by role and outcome.",
		}, []string{"role", "outcome"}),
		TransactionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_active",
			Help:      "Live state machines, by role.",
		}, []string{"role"}),
		InDoubt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_in_doubt",
			Help:      "Participants prepared longer than the in-doubt report bound.",
		}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Protocol timeouts that fired, by kind.",
		}, []string{"kind"}),
		Resends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resends_total",
			Help:      "Protocol messages re-sent after a timeout, by message type.",
		}, []string{"type"}),
		LogAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_appends_total",
			Help:      "Records appended to the decision log.",
		}),
		LogFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_flushes_total",
			Help:      "Durable flushes of the decision log.",
		}),
		LogFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_flush_seconds",
			Help:      "Latency of decision log flushes.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped because a machine inbox was full.",
		}),
	}

	m.registry.MustRegister(
		m.TransactionsFinished,
		m.TransactionsActive,
		m.InDoubt,
		m.Timeouts,
		m.Resends,
		m.LogAppends,
		m.LogFlushes,
		m.LogFlushLatency,
		m.MessagesDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Finished(role, outcome string) {
	if m == nil {
		return
	}
	m.TransactionsFinished.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) Started(role string) {
	if m == nil {
		return
	}
	m.TransactionsActive.WithLabelValues(role).Inc()
}

func (m *Metrics) Stopped(role string) {
	if m == nil {
		return
	}
	m.TransactionsActive.WithLabelValues(role).Dec()
}

func (m *Metrics) InDoubtInc() {
	if m == nil {
		return
	}
	m.InDoubt.Inc()
}

func (m *Metrics) InDoubtDec() {
	if m == nil {
		return
	}
	m.InDoubt.Dec()
}

func (m *Metrics) Timeout(kind string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) Resend(msgType string) {
	if m == nil {
		return
	}
	m.Resends.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Appended() {
	if m == nil {
		return
	}
	m.LogAppends.Inc()
}

func (m *Metrics) Flushed(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LogFlushes.Inc()
	m.LogFlushLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}
