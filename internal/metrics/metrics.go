package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ChunksAppended counts chunks accepted by the append serializer.
	ChunksAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upload_chunks_appended_total",
		Help: "Chunks accepted into upload sessions.",
	})

	// BytesAppended counts bytes accepted by the append serializer.
	BytesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upload_bytes_appended_total",
		Help: "Bytes accepted into upload sessions.",
	})

	// Finalizations counts finalize attempts by outcome.
	Finalizations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upload_finalize_total",
		Help: "Session finalize attempts by outcome.",
	}, []string{"outcome"})

	// ActiveSessions tracks sessions currently held by the registry.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "upload_sessions_active",
		Help: "Upload sessions currently held in memory.",
	})

	// IntentCommits counts direct-upload commits by outcome.
	IntentCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upload_intent_commits_total",
		Help: "Direct-upload intent commits by outcome.",
	}, []string{"outcome"})

	// QuotaRejections counts admission failures by gate.
	QuotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_rejections_total",
		Help: "Requests rejected by admission control, by gate.",
	}, []string{"kind"})

	registerOnce sync.Once
)

// InitMetrics registers every collector with the default registry. Safe to
// call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			ChunksAppended,
			BytesAppended,
			Finalizations,
			ActiveSessions,
			IntentCommits,
			QuotaRejections,
		)
	})
}

// Middleware records request counts and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// Register attaches the Prometheus metrics endpoint to the router.
func Register(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}
