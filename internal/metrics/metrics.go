// Copyright 2025 Joseph Cumines
//
// Metrics registry for observability

// Package metrics collects Prometheus metrics for the inspector: transport
// requests, SSE fan-out, snapshot cache behaviour and action outcomes.
//
// Every method is safe on a nil *Registry, which disables collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uiinspector"

// Default histogram buckets for request latencies (in seconds)
var defaultLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// Registry owns a private Prometheus registry and the inspector's collectors.
type Registry struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sseEvents       prometheus.Counter
	sseConnections  prometheus.Gauge
	rateLimited     prometheus.Counter

	cacheLookups  *prometheus.CounterVec
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	snapshotNodes prometheus.Gauge

	actions         *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	lateCompletions *prometheus.CounterVec
}

// New creates a registry with all collectors registered. Process and Go
// runtime collectors are included when withRuntime is set.
func New(withRuntime bool) *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Tool and API requests by tool and status.",
		}, []string{"tool", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency by tool.",
			Buckets:   defaultLatencyBuckets,
		}, []string{"tool"}),
		sseEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_events_sent_total",
			Help:      "SSE events broadcast to clients.",
		}),
		sseConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_connections_active",
			Help:      "Connected SSE clients.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "lookups_total",
			Help:      "Snapshot cache lookups by result (hit, miss, coalesced).",
		}, []string{"result"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "builds_total",
			Help:      "Snapshot builds by outcome (ok, fallback, unavailable).",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "build_duration_seconds",
			Help:      "Time spent building snapshots through the view provider.",
			Buckets:   defaultLatencyBuckets,
		}),
		snapshotNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "nodes",
			Help:      "Node count of the current snapshot.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "results_total",
			Help:      "Dispatched actions by action kind and outcome.",
		}, []string{"action", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "duration_seconds",
			Help:      "Action dispatch latency by action kind.",
			Buckets:   defaultLatencyBuckets,
		}, []string{"action"}),
		lateCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "late_completions_total",
			Help:      "Executor completions that arrived after the dispatcher stopped waiting.",
		}, []string{"action"}),
	}

	m.reg.MustRegister(
		m.requests, m.requestDuration, m.sseEvents, m.sseConnections, m.rateLimited,
		m.cacheLookups, m.builds, m.buildDuration, m.snapshotNodes,
		m.actions, m.actionDuration, m.lateCompletions,
	)
	if withRuntime {
		m.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Gatherer exposes the underlying registry.
func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

// RecordRequest records a tool invocation with count and latency metrics.
func (m *Registry) RecordRequest(tool string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(tool, status).Inc()
	m.requestDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSSEEvent records an SSE event being sent.
func (m *Registry) RecordSSEEvent() {
	if m == nil {
		return
	}
	m.sseEvents.Inc()
}

// SetSSEConnections sets the current number of active SSE connections.
func (m *Registry) SetSSEConnections(count int) {
	if m == nil {
		return
	}
	m.sseConnections.Set(float64(count))
}

// RecordRateLimited counts a request rejected with 429.
func (m *Registry) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// CacheHit counts a lookup served from a fresh snapshot.
func (m *Registry) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss counts a lookup that started a rebuild.
func (m *Registry) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// CacheCoalesced counts a lookup that joined a rebuild already in flight.
func (m *Registry) CacheCoalesced() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("coalesced").Inc()
}

// BuildFinished records one provider build.
func (m *Registry) BuildFinished(outcome string, duration time.Duration, nodes int) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(duration.Seconds())
	if outcome == "ok" {
		m.snapshotNodes.Set(float64(nodes))
	}
}

// ActionFinished records one dispatched action.
func (m *Registry) ActionFinished(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// LateCompletion counts an executor completion that arrived after its
// dispatcher gave up.
func (m *Registry) LateCompletion(action string) {
	if m == nil {
		return
	}
	m.lateCompletions.WithLabelValues(action).Inc()
}

// Global metrics registry instance
var defaultMetrics = New(true)

// Default returns the global metrics registry.
func Default() *Registry {
	return defaultMetrics
}
