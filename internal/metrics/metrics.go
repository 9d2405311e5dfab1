// Package metrics exposes the engine's prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sagasStarted   *prometheus.CounterVec
	sagasFinished  *prometheus.CounterVec
	sagaDuration   *prometheus.HistogramVec
	externalCalls  *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	inflight       prometheus.Gauge
	reconcile      *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDurations  *prometheus.HistogramVec
	priceUpdates   prometheus.Counter
	archivedTotals *prometheus.CounterVec
}

// New registers all collectors under namespace on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "marginbot"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "started_total",
			Help:      "Sagas accepted by the executor.",
		}, []string{"kind"}),
		sagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "finished_total",
			Help:      "Sagas finished, by outcome.",
		}, []string{"kind", "result"}),
		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "duration_seconds",
			Help:      "Wall time from submission to completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		externalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "calls_total",
			Help:      "AMM and lending calls issued by sagas.",
		}, []string{"step", "result"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "call_duration_seconds",
			Help:      "Latency of AMM and lending calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "inflight",
			Help:      "Sagas currently running.",
		}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "reconcile_total",
			Help:      "Failures that left an external side effect unreversed.",
		}, []string{"kind", "step"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		priceUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "price_updates_total",
			Help:      "Token prices written by the oracle hook.",
		}),
		archivedTotals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_total",
			Help:      "Records moved to cold storage.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sagasStarted, m.sagasFinished, m.sagaDuration,
		m.externalCalls, m.callDuration, m.inflight, m.reconcile,
		m.httpRequests, m.httpDurations, m.priceUpdates, m.archivedTotals,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SagaStarted(kind string) {
	if m == nil {
		return
	}
	m.sagasStarted.WithLabelValues(kind).Inc()
	m.inflight.Inc()
}

// SagaFinished records the outcome ("ok", "failed" or "rejected") of a saga
// that was previously started.
func (m *Metrics) SagaFinished(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sagasFinished.WithLabelValues(kind, result).Inc()
	m.sagaDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.inflight.Dec()
}

func (m *Metrics) ExternalCall(step string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.externalCalls.WithLabelValues(step, result).Inc()
	m.callDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

func (m *Metrics) Reconcile(kind, step string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(kind, step).Inc()
}

func (m *Metrics) HTTPRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) PriceUpdates(n int) {
	if m == nil {
		return
	}
	m.priceUpdates.Add(float64(n))
}

func (m *Metrics) Archived(kind string, n int) {
	if m == nil {
		return
	}
	m.archivedTotals.WithLabelValues(kind).Add(float64(n))
}
