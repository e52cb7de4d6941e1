// Package metrics exposes Prometheus instrumentation for the engine and the
// HTTP API. Every recording method is safe on a nil *Metrics so callers that
// run without instrumentation need no guards.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsAppended    *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	Assignments       *prometheus.CounterVec
	SessionsTimedOut  prometheus.Counter
	SessionDuration   *prometheus.HistogramVec
	ConflictsRaised   *prometheus.CounterVec
	SweepCycles       prometheus.Counter
	SweepDuration     prometheus.Histogram
	NotifyFailures    *prometheus.CounterVec
	TasksByStatus     *prometheus.GaugeVec
	AgentsByStatus    *prometheus.GaugeVec
	WSConnections     prometheus.Gauge
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New registers every collector on a fresh registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Domain events appended by aggregate type",
		}, []string{"aggregate_type"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Lifecycle transitions by entity and target status",
		}, []string{"entity", "to"}),
		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Task assignment attempts by outcome",
		}, []string{"outcome"}),
		SessionsTimedOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_timed_out_total",
			Help:      "Execution sessions moved to timeout by the sweeper",
		}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Execution session wall time by final status",
			Buckets:   []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"status"}),
		ConflictsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_raised_total",
			Help:      "Conflicts detected by type and severity",
		}, []string{"type", "severity"}),
		SweepCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_cycles_total",
			Help:      "Timeout sweeper cycles",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_cycle_duration_seconds",
			Help:      "Timeout sweeper cycle duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Notification deliveries that failed by kind",
		}, []string{"kind"}),
		TasksByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks by status",
		}, []string{"status"}),
		AgentsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Agents by status",
		}, []string{"status"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Active notification stream connections",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "path"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventAppended(aggregateType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(aggregateType).Inc()
}

func (m *Metrics) Transition(entity, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(entity, to).Inc()
}

func (m *Metrics) Assignment(outcome string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) TimedOut(n int) {
	if m == nil {
		return
	}
	m.SessionsTimedOut.Add(float64(n))
}

func (m *Metrics) ConflictRaised(conflictType, severity string) {
	if m == nil {
		return
	}
	m.ConflictsRaised.WithLabelValues(conflictType, severity).Inc()
}

func (m *Metrics) SweepCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.SweepCycles.Inc()
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) NotifyFailed(kind string) {
	if m == nil {
		return
	}
	m.NotifyFailures.WithLabelValues(kind).Inc()
}

// SetTasks replaces the task gauges with counts.
func (m *Metrics) SetTasks(counts map[string]int) {
	if m == nil {
		return
	}
	m.TasksByStatus.Reset()
	for status, n := range counts {
		m.TasksByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SetAgents(counts map[string]int) {
	if m == nil {
		return
	}
	m.AgentsByStatus.Reset()
	for status, n := range counts {
		m.AgentsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.WSConnections.Add(float64(delta))
}

// Middleware records request counts and latency per normalised route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		path := NormalizePath(r.URL.Path)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through to the wrapped writer so websocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// NormalizePath replaces id segments under /v0/<collection>/ with {id} to
// keep label cardinality bounded.
func NormalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v0" {
		return path
	}
	for i := 2; i < len(parts); i += 2 {
		parts[i] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}
