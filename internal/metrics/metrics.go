// Package metrics exposes Prometheus collectors for records, engine calls,
// background tasks and HTTP traffic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"freely/api/internal/engine"
)

type Metrics struct {
	registry *prometheus.Registry

	recordsCreated  *prometheus.CounterVec
	recordsFinished *prometheus.CounterVec
	engineCalls     *prometheus.CounterVec
	engineDuration  *prometheus.HistogramVec
	tasksInflight   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// recordsCreated counts new analyses and proposals by type and kind
		recordsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freely_records_created_total",
			Help: "Records created by type and kind",
		}, []string{"type", "kind"}),

		recordsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freely_records_finished_total",
			Help: "Background operations finalized by operation and resulting status",
		}, []string{"operation", "status"}),

		engineCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freely_engine_calls_total",
			Help: "Language model calls by operation and outcome",
		}, []string{"operation", "outcome"}),

		engineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "freely_engine_call_duration_seconds",
			Help:    "Language model call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		}, []string{"operation"}),

		tasksInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "freely_tasks_inflight",
			Help: "Background tasks currently running",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "freely_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code",
		}, []string{"method", "route", "code"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "freely_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordCreated(recordType, kind string) {
	m.recordsCreated.WithLabelValues(recordType, kind).Inc()
}

func (m *Metrics) RecordFinished(operation, status string) {
	m.recordsFinished.WithLabelValues(operation, status).Inc()
}

// ObserveEngineCall implements engine.Observer. An empty kind is a success.
func (m *Metrics) ObserveEngineCall(op string, kind engine.ErrorKind, elapsed time.Duration) {
	outcome := string(kind)
	if outcome == "" {
		outcome = "ok"
	}
	m.engineCalls.WithLabelValues(op, outcome).Inc()
	m.engineDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// TaskGauge returns the in-flight gauge for the worker dispatcher.
func (m *Metrics) TaskGauge() prometheus.Gauge {
	return m.tasksInflight
}

func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, statusLabel(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

var _ engine.Observer = (*Metrics)(nil)
