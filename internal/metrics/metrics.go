// Package metrics exposes Prometheus metrics for matching, sessions,
// heartbeats, watchdog checks and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teleconsult"

// Collector owns a registry and every metric the service records.
type Collector struct {
	registry *prometheus.Registry

	matches        *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	heartbeats     *prometheus.CounterVec
	watchdogChecks *prometheus.CounterVec
	repairs        prometheus.Counter
	expiredLeases  prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewCollector creates the metrics on a fresh registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_attempts_total",
			Help:      "Doctor matching attempts by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Consultation lifecycle transitions.",
		}, []string{"transition"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Doctor heartbeats received by result.",
		}, []string{"result"}),
		watchdogChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_checks_total",
			Help:      "Liveness watchdog checks by outcome.",
		}, []string{"outcome"}),
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_repairs_total",
			Help:      "Doctors released by the reconciler.",
		}),
		expiredLeases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_leases_expired_total",
			Help:      "Presence leases that lapsed without a sign off.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.matches,
		c.sessions,
		c.heartbeats,
		c.watchdogChecks,
		c.repairs,
		c.expiredLeases,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveMatch counts a matching attempt.
func (c *Collector) ObserveMatch(outcome string) {
	c.matches.WithLabelValues(outcome).Inc()
}

// ObserveSession counts a lifecycle transition.
func (c *Collector) ObserveSession(transition string) {
	c.sessions.WithLabelValues(transition).Inc()
}

// ObserveWatchdog counts a watchdog check.
func (c *Collector) ObserveWatchdog(outcome string) {
	c.watchdogChecks.WithLabelValues(outcome).Inc()
}

// ObserveHeartbeat counts a heartbeat by result, for example "ok" or "unknown_lease".
func (c *Collector) ObserveHeartbeat(result string) {
	c.heartbeats.WithLabelValues(result).Inc()
}

// ObserveSweep records one reconciler pass.
func (c *Collector) ObserveSweep(repaired, expiredLeases int) {
	c.repairs.Add(float64(repaired))
	c.expiredLeases.Add(float64(expiredLeases))
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (c *Collector) Gauge(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records request counts and latency labelled by the mux route
// template rather than the raw path.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
