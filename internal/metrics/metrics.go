// Package metrics provides Prometheus instrumentation for the invoiceguard
// service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoiceguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status bucket.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "invoiceguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// InvoicesProcessedTotal counts detection runs by terminal status.
	InvoicesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoiceguard",
			Name:      "invoices_processed_total",
			Help:      "Total invoices processed by the detection pipeline, by final status.",
		},
		[]string{"status"},
	)

	// FindingsTotal counts emitted anomaly findings by type and severity.
	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "invoiceguard",
			Name:      "findings_total",
			Help:      "Total anomaly findings emitted, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// DetectionDuration observes how long a full detection run takes.
	DetectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "invoiceguard",
		Name:      "detection_duration_seconds",
		Help:      "Duration of a full anomaly detection run in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// RiskScores observes computed risk scores.
	RiskScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "invoiceguard",
		Name:      "risk_scores",
		Help:      "Distribution of computed invoice risk scores.",
		Buckets:   []float64{0, 5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// DetectionQueueDepth tracks pending invoices in the pipeline queue.
	DetectionQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoiceguard",
		Name:      "detection_queue_depth",
		Help:      "Number of invoices waiting in the detection queue.",
	})

	// FindingsResolvedTotal counts reviewer resolutions.
	FindingsResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "invoiceguard",
		Name:      "findings_resolved_total",
		Help:      "Total findings marked resolved by reviewers.",
	})

	// RescansTotal counts periodic re-scan passes.
	RescansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "invoiceguard",
		Name:      "rescans_total",
		Help:      "Total reconciliation re-scan passes completed.",
	})

	// ActiveStreamClients tracks connected WebSocket clients.
	ActiveStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoiceguard",
		Name:      "active_stream_clients",
		Help:      "Number of currently connected WebSocket stream clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoiceguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoiceguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoiceguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoiceguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		InvoicesProcessedTotal,
		FindingsTotal,
		DetectionDuration,
		RiskScores,
		DetectionQueueDepth,
		FindingsResolvedTotal,
		RescansTotal,
		ActiveStreamClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and goroutine
// counts into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not raw path, to bound cardinality
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
