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

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	selectionFallbacksTotal    *prometheus.CounterVec
	discoveryPagesTotal        *prometheus.CounterVec
	phasePagesTotal            *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	progressEventsTotal        prometheus.Counter
	streamSubscribers          prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple times,
// and every Observe helper calls it first.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteaudit_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_tasks_total",
				Help: "Total number of broker tasks handled, labeled by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteaudit_task_duration_seconds",
				Help:    "Histogram of task execution time, labeled by queue.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600},
			},
			[]string{"queue"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_jobs_total",
				Help: "Total number of jobs that reached a terminal status.",
			},
			[]string{"status"},
		)

		selectionFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_selection_fallbacks_total",
				Help: "Total number of selections that used the keyword fallback, labeled by reason.",
			},
			[]string{"reason"},
		)

		discoveryPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_discovery_pages_total",
				Help: "Total number of pages fetched during discovery, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		phasePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteaudit_phase_pages_total",
				Help: "Total number of pages processed by per-page phases, labeled by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "siteaudit_active_workers",
				Help: "Number of workers currently processing a task, labeled by queue.",
			},
			[]string{"queue"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteaudit_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		progressEventsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siteaudit_progress_events_total",
				Help: "Total progress events delivered to sinks.",
			},
		)

		streamSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siteaudit_stream_subscribers",
				Help: "Number of open job progress streams.",
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
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask records the outcome and duration of one broker task.
func ObserveTask(queue, outcome string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(queue, outcome).Inc()
	taskDurationSeconds.WithLabelValues(queue).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveSelectionFallback counts a degraded selection.
func ObserveSelectionFallback(reason string) {
	Init()
	selectionFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveDiscoveryPage counts a page fetched during discovery.
func ObserveDiscoveryPage(outcome string) {
	Init()
	discoveryPagesTotal.WithLabelValues(outcome).Inc()
}

// ObservePhasePage counts a page handled by scraping, extraction or analysis.
func ObservePhasePage(phase, outcome string) {
	Init()
	phasePagesTotal.WithLabelValues(phase, outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(queue string) {
	Init()
	activeWorkers.WithLabelValues(queue).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(queue string) {
	Init()
	activeWorkers.WithLabelValues(queue).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveProgressBatch counts events flushed by the progress hub.
func ObserveProgressBatch(n int) {
	Init()
	progressEventsTotal.Add(float64(n))
}

// AddStreamSubscribers moves the open streams gauge by delta.
func AddStreamSubscribers(delta int) {
	Init()
	streamSubscribers.Add(float64(delta))
}
