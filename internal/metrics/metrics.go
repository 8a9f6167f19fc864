// Package metrics exposes Prometheus collectors for the crawler, the weather
// ingestor and the safety engine.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	sessionRecyclesTotal       *prometheus.CounterVec
	headlessPromotionsTotal    *prometheus.CounterVec
	areasTotal                 *prometheus.CounterVec
	precipitationRecordsTotal  prometheus.Counter
	weatherRequestsTotal       *prometheus.CounterVec
	safetyStatusTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cragwatch_fetch_attempts_total",
				Help: "Fetch attempts against discovery sources, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cragwatch_fetch_duration_seconds",
				Help:    "Latency of single fetch attempts, excluding politeness delays.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		sessionRecyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cragwatch_fetch_session_recycles_total",
				Help: "Fetch sessions torn down and recreated, labeled by reason.",
			},
			[]string{"reason"},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cragwatch_headless_promotions_total",
				Help: "Plain HTTP responses re-rendered in a headless browser, labeled by site.",
			},
			[]string{"site"},
		)

		areasTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cragwatch_areas_total",
				Help: "Areas handled by the crawler, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		precipitationRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cragwatch_precipitation_records_total",
				Help: "Daily precipitation records upserted.",
			},
		)

		weatherRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cragwatch_weather_requests_total",
				Help: "Requests sent to the weather provider, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		safetyStatusTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cragwatch_safety_classifications_total",
				Help: "Safety classifications computed, labeled by status.",
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
				Name: "cragwatch_active_workers",
				Help: "Number of crawl workers currently traversing a root.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cragwatch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit and politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(rawURL, outcome string, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	fetchAttemptsTotal.WithLabelValues(site, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveSessionRecycle counts a session teardown.
func ObserveSessionRecycle(reason string) {
	Init()
	sessionRecyclesTotal.WithLabelValues(reason).Inc()
}

// ObservePromotion counts a page re-rendered headless.
func ObservePromotion(rawURL string) {
	Init()
	headlessPromotionsTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveArea counts an area outcome (upserted, failed, parse_error, skipped).
func ObserveArea(outcome string) {
	Init()
	areasTotal.WithLabelValues(outcome).Inc()
}

// ObservePrecipitationRecords adds n upserted records.
func ObservePrecipitationRecords(n int) {
	Init()
	if n > 0 {
		precipitationRecordsTotal.Add(float64(n))
	}
}

// ObserveWeatherRequest counts a weather provider call.
func ObserveWeatherRequest(endpoint, outcome string) {
	Init()
	weatherRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveSafetyStatus counts a classification result.
func ObserveSafetyStatus(status string) {
	Init()
	safetyStatusTotal.WithLabelValues(status).Inc()
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

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
