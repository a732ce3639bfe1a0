// Package metrics exposes the coordination server's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	EventsAppended  *prometheus.CounterVec
	AppendsRejected *prometheus.CounterVec
	AppendDuration  *prometheus.HistogramVec
	ReadBatchSize   prometheus.Histogram
	GateDecisions   *prometheus.CounterVec
	RelayDeliveries *prometheus.CounterVec
	PushClients     prometheus.GaugeFunc
}

// New registers every collector on a fresh registry. clients reports the
// number of connected push clients; pass nil when push is disabled.
func New(clients func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coord",
			Name:      "events_appended_total",
			Help:      "Events appended to incident logs, by event type.",
		}, []string{"type"}),
		AppendsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coord",
			Name:      "appends_rejected_total",
			Help:      "Append attempts rejected, by reason.",
		}, []string{"reason"}),
		AppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coord",
			Name:      "append_duration_seconds",
			Help:      "Time spent appending an event, including storage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"store"}),
		ReadBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coord",
			Name:      "read_batch_events",
			Help:      "Number of events returned per cursor read.",
			Buckets:   []float64{0, 1, 2, 5, 10, 50, 100, 500},
		}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coord",
			Name:      "consent_gate_decisions_total",
			Help:      "Sensitive record access decisions, by outcome.",
		}, []string{"outcome"}),
		RelayDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coord",
			Name:      "relay_deliveries_total",
			Help:      "Store-and-forward messages processed, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.EventsAppended,
		m.AppendsRejected,
		m.AppendDuration,
		m.ReadBatchSize,
		m.GateDecisions,
		m.RelayDeliveries,
		collectors.NewGoCollector(),
	)
	if clients != nil {
		m.PushClients = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "coord",
			Name:      "push_clients",
			Help:      "Connected websocket clients.",
		}, clients)
		reg.MustRegister(m.PushClients)
	}
	return m
}

// ObserveAppend records an append's latency against the named store.
func (m *Metrics) ObserveAppend(store string, start time.Time) {
	if m == nil {
		return
	}
	m.AppendDuration.WithLabelValues(store).Observe(time.Since(start).Seconds())
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
