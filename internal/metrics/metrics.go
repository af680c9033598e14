// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Audit attempt outcomes.
const (
	OutcomeComplete   = "complete"
	OutcomeIncomplete = "incomplete"
	OutcomeFailed     = "failed"
	OutcomeError      = "error"
)

var (
	auditAttemptsTotal            *prometheus.CounterVec
	auditDurationSeconds          *prometheus.HistogramVec
	resultCacheTotal              *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	preflightTLSHandshakeTimeouts prometheus.Counter
	channelConnections            prometheus.Gauge
	channelMessagesTotal          *prometheus.CounterVec
	benchmarkMultiplier           prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		auditAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageaudit_audit_attempts_total",
				Help: "Total number of audit engine runs, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		auditDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageaudit_audit_duration_seconds",
				Help:    "Histogram of audit engine run durations, labeled by outcome.",
				Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		)

		resultCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageaudit_result_cache_total",
				Help: "Result store lookups made before testing a URL, labeled by hit or miss.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		preflightTLSHandshakeTimeouts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pageaudit_preflight_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing the target.",
			},
		)

		channelConnections = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pageaudit_channel_connections",
				Help: "Number of open progress channel connections.",
			},
		)

		channelMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageaudit_channel_messages_total",
				Help: "Progress channel messages, labeled by direction and event.",
			},
			[]string{"direction", "event"},
		)

		benchmarkMultiplier = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pageaudit_benchmark_multiplier",
				Help: "CPU slowdown multiplier derived from the host benchmark index.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuditAttempt records one audit engine run.
func ObserveAuditAttempt(site, outcome string, duration time.Duration) {
	auditAttemptsTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
	auditDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveResultCache records whether a URL was already tested.
func ObserveResultCache(hit bool) {
	label := "miss"
	if hit {
		label = "hit"
	}
	resultCacheTotal.WithLabelValues(label).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePreflightTLSHandshakeTimeout increments the probe handshake timeout counter.
func ObservePreflightTLSHandshakeTimeout() {
	preflightTLSHandshakeTimeouts.Inc()
}

// IncChannelConnections increments the open connections gauge.
func IncChannelConnections() {
	channelConnections.Inc()
}

// DecChannelConnections decrements the open connections gauge.
func DecChannelConnections() {
	channelConnections.Dec()
}

// ObserveChannelMessage counts one progress channel frame. Direction is "in" or "out".
func ObserveChannelMessage(direction, event string) {
	channelMessagesTotal.WithLabelValues(direction, event).Inc()
}

// SetBenchmarkMultiplier publishes the current calibration result.
func SetBenchmarkMultiplier(multiplier float64) {
	benchmarkMultiplier.Set(multiplier)
}
