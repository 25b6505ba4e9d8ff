package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "complaint_engine"

// Metrics wraps a private Prometheus registry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errors          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	evalFailures    *prometheus.CounterVec
	events          *prometheus.CounterVec
	sinkBacklog     prometheus.Gauge
	sweeps          prometheus.Counter
	sweepDuration   prometheus.Histogram
	sweepEvaluated  prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_errors_total",
			Help: "HTTP errors by route, method and error code.",
		}, []string{"route", "method", "code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_transitions_total",
			Help: "Committed status transitions.",
		}, []string{"from", "to"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total",
			Help: "Committed escalations by priority and level.",
		}, []string{"priority", "level"}),
		evalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "evaluation_failures_total",
			Help: "Per-complaint sweep failures by reason.",
		}, []string{"reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Events appended to the sink by type and delivery outcome.",
		}, []string{"type", "outcome"}),
		sinkBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sink_backlog",
			Help: "Events buffered awaiting delivery.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweeps_total",
			Help: "Completed tracker sweeps.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Tracker sweep latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		sweepEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_complaints_evaluated_total",
			Help: "Complaints evaluated by tracker sweeps.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration, m.errors, m.transitions, m.escalations,
		m.evalFailures, m.events, m.sinkBacklog, m.sweeps, m.sweepDuration, m.sweepEvaluated,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(route, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(route, method, code).Inc()
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordEscalation(priority string, level int) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(priority, strconv.Itoa(level)).Inc()
}

func (m *Metrics) RecordEvaluationFailure(reason string) {
	if m == nil {
		return
	}
	m.evalFailures.WithLabelValues(reason).Inc()
}

// RecordEvent counts an appended event; outcome is "published" or "buffered".
func (m *Metrics) RecordEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) SetSinkBacklog(n int) {
	if m == nil {
		return
	}
	m.sinkBacklog.Set(float64(n))
}

func (m *Metrics) RecordSweep(duration time.Duration, evaluated int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepDuration.Observe(duration.Seconds())
	m.sweepEvaluated.Add(float64(evaluated))
}
