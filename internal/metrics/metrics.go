// Package metrics provides Prometheus instrumentation for the AgentCoin platform.
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
			Namespace: "agentcoin",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentcoin",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerEntriesTotal counts ledger entries posted by type.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcoin",
			Name:      "ledger_entries_total",
			Help:      "Total ledger entries posted by entry type.",
		},
		[]string{"type"},
	)

	// PaymentVerificationsTotal counts on-chain payment verification outcomes.
	PaymentVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcoin",
			Name:      "payment_verifications_total",
			Help:      "Total payment verification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// NegotiationsTotal counts negotiations by final status.
	NegotiationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcoin",
			Name:      "negotiations_total",
			Help:      "Total negotiations by final status (agreed, rejected, expired).",
		},
		[]string{"status"},
	)

	// NegotiationRounds observes how many offer rounds a negotiation took
	// to reach a terminal state.
	NegotiationRounds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentcoin",
		Name:      "negotiation_rounds",
		Help:      "Number of offer rounds exchanged per negotiation.",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	// JobsTotal counts jobs by terminal status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcoin",
			Name:      "jobs_total",
			Help:      "Total jobs by terminal status (completed, cancelled, failed).",
		},
		[]string{"status"},
	)

	// JobRevisionsTotal counts revision requests issued against delivered
	// jobs.
	JobRevisionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcoin",
		Name:      "job_revisions_total",
		Help:      "Total revision requests issued against delivered jobs.",
	})

	// ReputationUpdatesTotal counts reputation score updates.
	ReputationUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentcoin",
		Name:      "reputation_updates_total",
		Help:      "Total reputation score updates applied from completed jobs.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcoin", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcoin", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcoin", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcoin", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcoin", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentcoin", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerEntriesTotal,
		PaymentVerificationsTotal,
		NegotiationsTotal,
		NegotiationRounds,
		JobsTotal,
		JobRevisionsTotal,
		ReputationUpdatesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
