package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callagent"

// Metrics holds the process collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	callsStarted       prometheus.Counter
	callStartRejected  *prometheus.CounterVec
	callsTerminal      *prometheus.CounterVec
	dispatchFailures   *prometheus.CounterVec
	callDuration       prometheus.Histogram
	creditsRefunded    prometheus.Counter
	creditsGranted     *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Calls accepted by the bridge.",
		}),
		callStartRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_start_rejected_total",
			Help:      "Call starts refused before dispatch.",
		}, []string{"reason"}),
		callsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_terminal_total",
			Help:      "Calls that reached a terminal status.",
		}, []string{"status"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Bridge dispatch failures.",
		}, []string{"kind"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Connected duration of completed calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}),
		creditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_refunded_total",
			Help:      "Credits returned for failed calls.",
		}),
		creditsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_granted_total",
			Help:      "Credits granted, by reason.",
		}, []string{"reason"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by source and outcome.",
		}, []string{"source", "event", "outcome"}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limit_decisions_total",
			Help:      "HTTP rate limiter decisions.",
		}, []string{"decision", "backend"}),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.callsStarted,
		m.callStartRejected,
		m.callsTerminal,
		m.dispatchFailures,
		m.callDuration,
		m.creditsRefunded,
		m.creditsGranted,
		m.webhookEvents,
		m.rateLimitDecisions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.callsStarted.Inc()
}

func (m *Metrics) CallStartRejected(reason string) {
	if m == nil {
		return
	}
	m.callStartRejected.WithLabelValues(reason).Inc()
}

// CallTerminal records a terminal transition; durationSeconds < 0 means unknown.
func (m *Metrics) CallTerminal(status string, durationSeconds int) {
	if m == nil {
		return
	}
	m.callsTerminal.WithLabelValues(status).Inc()
	if durationSeconds >= 0 && status == "completed" {
		m.callDuration.Observe(float64(durationSeconds))
	}
}

func (m *Metrics) DispatchFailed(rejected bool) {
	if m == nil {
		return
	}
	kind := "unavailable"
	if rejected {
		kind = "rejected"
	}
	m.dispatchFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) CreditsRefunded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsRefunded.Add(float64(n))
}

func (m *Metrics) CreditsGranted(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsGranted.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) WebhookEvent(source, event, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(source, event, outcome).Inc()
}

func (m *Metrics) RateLimitDecision(allowed bool, backend string) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "blocked"
	}
	m.rateLimitDecisions.WithLabelValues(decision, backend).Inc()
}

// Middleware records request counts and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Status(http.StatusNoContent) }
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
