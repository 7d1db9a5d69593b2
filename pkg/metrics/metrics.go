package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookshelf_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "route", "status"},
	)

	ShelfEffects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_shelf_effects_total",
			Help: "Total number of shelf engine effects by kind",
		},
		[]string{"kind"},
	)

	ShelfUpdateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookshelf_shelf_update_conflicts_total",
			Help: "Total number of optimistic version conflicts on shelf entries",
		},
	)

	RecommendationsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_recommendations_total",
			Help: "Total number of recommendation lists served by reason",
		},
		[]string{"reason"},
	)

	BookCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_book_cache_requests_total",
			Help: "Book cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	BreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "state"},
	)

	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookshelf_retry_queue_depth",
			Help: "Requests waiting in the gateway retry queue",
		},
	)

	RetryQueueOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookshelf_retry_queue_outcomes_total",
			Help: "Retried requests by outcome",
		},
		[]string{"outcome"}, // "delivered", "rejected", "requeued", "deferred", "dropped"
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookshelf_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
	)
)

// GinMiddleware records request latency by matched route.
func GinMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.
			WithLabelValues(service, c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
