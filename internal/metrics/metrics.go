// Package metrics exposes Prometheus collectors for the fitment scraper.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the fetch and gate collectors.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeExhausted = "exhausted"
	OutcomeBlocked   = "blocked"
	OutcomeSolved    = "solved"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	verificationWallsTotal     *prometheus.CounterVec
	workItemsTotal             *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	restartsTotal              *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_attempts_total",
				Help: "Upstream fetch attempts, labeled by provider host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Latency of successful fetches including rotation attempts.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"host"},
		)

		verificationWallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_verification_walls_total",
				Help: "Human verification walls seen, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		workItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_work_items_total",
				Help: "Work items finished, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scraper_active_workers",
				Help: "Workers currently processing an item.",
			},
			[]string{"provider"},
		)

		restartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_restarts_total",
				Help: "Process restarts initiated by the supervisor.",
			},
			[]string{"provider"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one client attempt.
func ObserveFetchAttempt(host, outcome string) {
	if fetchAttemptsTotal == nil {
		return
	}
	fetchAttemptsTotal.WithLabelValues(host, outcome).Inc()
}

// ObserveFetch records the latency of a completed fetch.
func ObserveFetch(host string, duration time.Duration) {
	if fetchDurationSeconds == nil {
		return
	}
	fetchDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveVerificationWall counts gate events.
func ObserveVerificationWall(outcome string) {
	if verificationWallsTotal == nil {
		return
	}
	verificationWallsTotal.WithLabelValues(outcome).Inc()
}

// ObserveWorkItem counts a finished work item.
func ObserveWorkItem(provider, outcome string) {
	if workItemsTotal == nil {
		return
	}
	workItemsTotal.WithLabelValues(provider, outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(provider string) {
	if activeWorkers == nil {
		return
	}
	activeWorkers.WithLabelValues(provider).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(provider string) {
	if activeWorkers == nil {
		return
	}
	activeWorkers.WithLabelValues(provider).Dec()
}

// ObserveRestart counts a supervisor restart.
func ObserveRestart(provider string) {
	if restartsTotal == nil {
		return
	}
	restartsTotal.WithLabelValues(provider).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
