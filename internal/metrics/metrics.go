// Package metrics exposes prometheus counters/gauges for the proxy's
// inbound HTTP surface and per-upstream health, grounded on the
// teacher's caddyhttp method/status sanitization helpers (retained
// here to bound label cardinality) plus a Collector that walks the
// admin controller's live state on every scrape.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/suibase/suibase-proxyd/internal/config"
)

func SanitizeCode(s int) string {
	switch s {
	case 0, 200:
		return "200"
	default:
		return strconv.Itoa(s)
	}
}

// Only support the list of "regular" HTTP methods, see
// https://developer.mozilla.org/en-US/docs/Web/HTTP/Methods
var methodMap = map[string]string{
	"GET": http.MethodGet, "get": http.MethodGet,
	"HEAD": http.MethodHead, "head": http.MethodHead,
	"PUT": http.MethodPut, "put": http.MethodPut,
	"POST": http.MethodPost, "post": http.MethodPost,
	"DELETE": http.MethodDelete, "delete": http.MethodDelete,
	"CONNECT": http.MethodConnect, "connect": http.MethodConnect,
	"OPTIONS": http.MethodOptions, "options": http.MethodOptions,
	"TRACE": http.MethodTrace, "trace": http.MethodTrace,
	"PATCH": http.MethodPatch, "patch": http.MethodPatch,
}

// SanitizeMethod sanitizes the method for use as a metric label. This helps
// prevent high cardinality on the method label. The name is always upper case.
func SanitizeMethod(m string) string {
	if m, ok := methodMap[m]; ok {
		return m
	}

	return "OTHER"
}

// Collector implements prometheus.Collector, walking the admin
// controller's live workdir/port/upstream tree on every scrape rather
// than maintaining a shadow copy of each counter.
type Collector struct {
	controller *config.Controller

	healthScore   *prometheus.Desc
	latencyMs     *prometheus.Desc
	successFirst  *prometheus.Desc
	successRetry  *prometheus.Desc
	reqFailures   *prometheus.Desc
	rateLimitHits *prometheus.Desc
}

// NewCollector builds a Collector backed by controller.
func NewCollector(controller *config.Controller) *Collector {
	labels := []string{"workdir", "alias"}
	return &Collector{
		controller: controller,
		healthScore: prometheus.NewDesc(
			"suibase_proxy_upstream_health_score", "Signed health score in [-100, 100].", labels, nil),
		latencyMs: prometheus.NewDesc(
			"suibase_proxy_upstream_latency_ms", "Latency EMA in milliseconds.", labels, nil),
		successFirst: prometheus.NewDesc(
			"suibase_proxy_upstream_success_first_attempt_total", "Successes on the first attempt.", labels, nil),
		successRetry: prometheus.NewDesc(
			"suibase_proxy_upstream_success_retry_total", "Successes after at least one retry.", labels, nil),
		reqFailures: prometheus.NewDesc(
			"suibase_proxy_upstream_request_failures_total", "Classified request failures.", labels, nil),
		rateLimitHits: prometheus.NewDesc(
			"suibase_proxy_upstream_rate_limit_hits_total", "Rate limiter denials.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.healthScore
	ch <- c.latencyMs
	ch <- c.successFirst
	ch <- c.successRetry
	ch <- c.reqFailures
	ch <- c.rateLimitHits
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, wd := range c.controller.Workdirs() {
		for _, srv := range wd.Port.Servers() {
			snap := srv.Stats.Snapshot()
			labels := []string{wd.Name, snap.Alias}

			ch <- prometheus.MustNewConstMetric(c.healthScore, prometheus.GaugeValue, snap.HealthScore, labels...)
			ch <- prometheus.MustNewConstMetric(c.latencyMs, prometheus.GaugeValue, snap.LatencyEMAMillis, labels...)
			ch <- prometheus.MustNewConstMetric(c.successFirst, prometheus.CounterValue, float64(snap.SuccessOnFirstAttempt), labels...)
			ch <- prometheus.MustNewConstMetric(c.successRetry, prometheus.CounterValue, float64(snap.SuccessOnRetry), labels...)
			ch <- prometheus.MustNewConstMetric(c.reqFailures, prometheus.CounterValue, float64(snap.ReqFailures), labels...)
			ch <- prometheus.MustNewConstMetric(c.rateLimitHits, prometheus.CounterValue, float64(snap.RateLimitHits), labels...)
		}
	}
}

// requestsTotal counts inbound proxy requests by sanitized method and
// status code, keeping cardinality bounded via SanitizeMethod/SanitizeCode.
var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "suibase_proxy_requests_total",
	Help: "Inbound proxy requests by method and status code.",
}, []string{"method", "code"})

// requestDuration histograms inbound proxy request latency.
var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "suibase_proxy_request_duration_seconds",
	Help:    "Inbound proxy request latency.",
	Buckets: prometheus.DefBuckets,
}, []string{"method"})

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next, recording request count and latency labeled
// by sanitized method and status code.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		method := SanitizeMethod(r.Method)
		requestsTotal.WithLabelValues(method, SanitizeCode(rec.status)).Inc()
		requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	})
}
