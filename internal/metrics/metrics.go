package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the relay's Prometheus metrics on a private registry.
// All methods are safe to call on a nil Collector.
type Collector struct {
	registry *prometheus.Registry

	capturedTotal  *prometheus.CounterVec
	legsTotal      *prometheus.CounterVec
	legDuration    *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	chainLegs      prometheus.Histogram
	replaysTotal   *prometheus.CounterVec
	notifyFailures *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.capturedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "captured_requests_total",
		Help:      "Inbound requests captured on the proxy surface",
	}, []string{"method", "status"})

	c.legsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "forward_legs_total",
		Help:      "Forward legs dispatched, by rule and outcome",
	}, []string{"rule", "outcome", "code"})

	c.legDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "forward_leg_duration_seconds",
		Help:      "Duration of a forward leg including retries",
		Buckets:   DefaultBuckets,
	}, []string{"rule"})

	c.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "forward_retries_total",
		Help:      "Retried forward attempts",
	}, []string{"rule"})

	c.chainLegs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "forward_chain_legs",
		Help:      "Number of legs dispatched per forwarded request",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	})

	c.replaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "replays_total",
		Help:      "Replays executed, by whether the response matched",
	}, []string{"result"})

	c.notifyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "notify_failures_total",
		Help:      "New-record notifications that could not be delivered",
	}, []string{"channel"})

	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per target host (0=closed, 1=half_open, 2=open)",
	}, []string{"host"})

	c.registry.MustRegister(
		c.capturedTotal, c.legsTotal, c.legDuration, c.retriesTotal,
		c.chainLegs, c.replaysTotal, c.notifyFailures, c.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordCaptured records an inbound request and its final forward status.
func (c *Collector) RecordCaptured(method, status string) {
	if c == nil {
		return
	}
	c.capturedTotal.WithLabelValues(method, status).Inc()
}

// RecordLeg records one dispatched leg.
func (c *Collector) RecordLeg(ruleID, outcome string, statusCode int, d time.Duration) {
	if c == nil {
		return
	}
	c.legsTotal.WithLabelValues(ruleID, outcome, strconv.Itoa(statusCode)).Inc()
	c.legDuration.WithLabelValues(ruleID).Observe(d.Seconds())
}

// RecordRetry records a retried attempt.
func (c *Collector) RecordRetry(ruleID string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(ruleID).Inc()
}

// RecordChain records how many legs a forward took.
func (c *Collector) RecordChain(legs int) {
	if c == nil {
		return
	}
	c.chainLegs.Observe(float64(legs))
}

// RecordReplay records a replay and whether its diff was empty.
func (c *Collector) RecordReplay(matched bool) {
	if c == nil {
		return
	}
	result := "differs"
	if matched {
		result = "matched"
	}
	c.replaysTotal.WithLabelValues(result).Inc()
}

// RecordNotifyFailure records a failed notification delivery.
func (c *Collector) RecordNotifyFailure(channel string) {
	if c == nil {
		return
	}
	c.notifyFailures.WithLabelValues(channel).Inc()
}

// SetCircuitBreakerState sets the breaker state gauge for a target host.
func (c *Collector) SetCircuitBreakerState(host string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(host).Set(float64(state))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
