// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_passes_total",
			Help: "Total number of crawl passes, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	crawlerPassDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_pass_duration_seconds",
			Help:    "Wall time per crawl pass, labeled by outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"outcome"},
	)

	crawlerPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of message pages requested, labeled by result.",
		},
		[]string{"result"},
	)

	crawlerMessagesFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_messages_fetched_total",
			Help: "Total number of messages returned by the API.",
		},
	)

	crawlerMessagesInsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_messages_inserted_total",
			Help: "Total number of messages newly inserted (duplicates excluded).",
		},
	)

	crawlerClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_claims_total",
			Help: "Total number of claim attempts, labeled by result.",
		},
		[]string{"result"},
	)

	crawlerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently running a crawl pass.",
		},
	)

	crawlerRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_rate_limited_total",
			Help: "Total number of 429 answers, labeled by credential and scope.",
		},
		[]string{"credential", "scope"},
	)

	crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"credential"},
	)

	crawlerDiscoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_discovered_total",
			Help: "Total number of guilds and channels returned by discovery, labeled by kind.",
		},
		[]string{"kind"},
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
)

// Page results recorded by ObservePage.
const (
	PageMessages    = "messages"
	PageEmpty       = "empty"
	PageAPIError    = "api_error"
	PageRateLimited = "rate_limited"
	PageError       = "error"
)

// Claim results recorded by ObserveClaim.
const (
	ClaimAcquired   = "claimed"
	ClaimAllClaimed = "all_claimed"
	ClaimNoEnabled  = "no_enabled"
	ClaimError      = "error"
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePass records a finished crawl pass.
func ObservePass(outcome string, duration time.Duration) {
	crawlerPassesTotal.WithLabelValues(outcome).Inc()
	crawlerPassDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObservePage records one page request result.
func ObservePage(result string) {
	crawlerPagesTotal.WithLabelValues(result).Inc()
}

// ObserveMessages records fetched and newly inserted message counts.
func ObserveMessages(fetched int, inserted int64) {
	if fetched > 0 {
		crawlerMessagesFetchedTotal.Add(float64(fetched))
	}
	if inserted > 0 {
		crawlerMessagesInsertedTotal.Add(float64(inserted))
	}
}

// ObserveClaim records a claim attempt.
func ObserveClaim(result string) {
	crawlerClaimsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimited records a 429 answer.
func ObserveRateLimited(credentialID int64, global bool) {
	scope := "route"
	if global {
		scope = "global"
	}
	crawlerRateLimitedTotal.WithLabelValues(strconv.FormatInt(credentialID, 10), scope).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(credentialID int64, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(strconv.FormatInt(credentialID, 10)).Observe(duration.Seconds())
}

// ObserveDiscovered records guilds or channels returned by discovery.
func ObserveDiscovered(kind string, n int) {
	if n > 0 {
		crawlerDiscoveredTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
