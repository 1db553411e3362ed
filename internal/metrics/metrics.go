// Package metrics exposes Prometheus collectors for the scraper service.
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
	scrapeDriverAttemptsTotal     *prometheus.CounterVec
	scrapeDriverDurationSeconds   *prometheus.HistogramVec
	scrapeExhibitorsTotal         *prometheus.CounterVec
	scrapeRunsTotal               *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	scrapeActiveWorkers           prometheus.Gauge
	scrapeRateLimitDelaysSeconds  *prometheus.HistogramVec
	scrapeHeadlessSlotWaitSeconds prometheus.Histogram
	scrapeRobotsFallbacksTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeDriverAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_driver_attempts_total",
				Help: "Total number of driver attempts, labeled by driver and outcome.",
			},
			[]string{"driver", "outcome"},
		)

		scrapeDriverDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_driver_duration_seconds",
				Help:    "Histogram of driver run durations, labeled by driver.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"driver"},
		)

		scrapeExhibitorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_exhibitors_total",
				Help: "Total number of exhibitors extracted, labeled by winning driver.",
			},
			[]string{"driver"},
		)

		scrapeRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_runs_total",
				Help: "Total number of scrape runs finished, labeled by status.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		scrapeActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_active_workers",
				Help: "Number of workers currently processing a queued run.",
			},
		)

		scrapeRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		scrapeHeadlessSlotWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_headless_slot_wait_seconds",
				Help:    "Time spent waiting for a free headless browser slot.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30},
			},
		)

		scrapeRobotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_robots_fallbacks_total",
				Help: "robots.txt probes that timed out and were treated as allow-all.",
			},
			[]string{"domain"},
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

// ObserveDriver records one driver attempt.
func ObserveDriver(driver, outcome string, duration time.Duration) {
	Init()
	scrapeDriverAttemptsTotal.WithLabelValues(driver, outcome).Inc()
	if duration > 0 {
		scrapeDriverDurationSeconds.WithLabelValues(driver).Observe(duration.Seconds())
	}
}

// ObserveExhibitors adds to the extracted exhibitor counter.
func ObserveExhibitors(driver string, n int) {
	Init()
	if n > 0 {
		scrapeExhibitorsTotal.WithLabelValues(driver).Add(float64(n))
	}
}

// ObserveRun increments the run counter for the given terminal status.
func ObserveRun(status string) {
	Init()
	scrapeRunsTotal.WithLabelValues(status).Inc()
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
	scrapeActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	scrapeActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scrapeRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHeadlessSlotWait records how long a render waited for the semaphore.
func ObserveHeadlessSlotWait(duration time.Duration) {
	Init()
	scrapeHeadlessSlotWaitSeconds.Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(domain string) {
	Init()
	scrapeRobotsFallbacksTotal.WithLabelValues(domain).Inc()
}
