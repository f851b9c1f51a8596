// Package metrics exposes Prometheus collectors for the submission service.
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

var (
	attemptsTotal              *prometheus.CounterVec
	submitRetriesTotal         *prometheus.CounterVec
	resolutionsTotal           *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	manualSessions             *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submitter_attempts_total",
				Help: "Directory attempts reaching a terminal state, labeled by status and error category.",
			},
			[]string{"status", "category"},
		)

		submitRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submitter_submit_retries_total",
				Help: "Fill-and-submit retries, labeled by directory host.",
			},
			[]string{"site"},
		)

		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submitter_mapping_resolutions_total",
				Help: "Form mapping resolutions, labeled by the tier that answered.",
			},
			[]string{"tier"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submitter_jobs_total",
				Help: "Submission jobs finalized, labeled by status.",
			},
			[]string{"status"},
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "submitter_active_workers",
				Help: "Number of workers currently processing a directory attempt.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "submitter_queue_depth",
				Help: "Jobs waiting in the priority queue.",
			},
		)

		manualSessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "submitter_manual_sessions",
				Help: "Open manual mapping sessions, labeled by package.",
			},
			[]string{"package"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "submitter_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
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

// ObserveAttempt counts one terminal attempt.
func ObserveAttempt(status, category string) {
	Init()
	if category == "" {
		category = "none"
	}
	attemptsTotal.WithLabelValues(status, category).Inc()
}

// ObserveRetry counts one fill-and-submit retry against site.
func ObserveRetry(site string) {
	Init()
	submitRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveResolution counts the tier that resolved a mapping.
func ObserveResolution(tier string) {
	Init()
	resolutionsTotal.WithLabelValues(tier).Inc()
}

// ObserveJob counts a finalized job.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueDepth records how many jobs are waiting.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// SetManualSessions records the open session count for a package.
func SetManualSessions(pkg string, n int) {
	Init()
	manualSessions.WithLabelValues(pkg).Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
