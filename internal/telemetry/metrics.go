// Package telemetry provides application-level observability for the account guard.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<AG_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Rate-limit check outcomes, alerts, and store failures
//   - Suspension transitions and terminated sessions
//   - Alert dispatch failures per channel
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric is labelled by user id. Action types come from the compiled-in quota
// table, so the action_type label is bounded.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/admin/users/:id/suspension),
// NOT the raw URL, to prevent unbounded cardinality.
//
// HTTPRequestDuration is a HistogramVec with labels {method, path}.
//
// Example PromQL queries:
//   - Error rate (%):  sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency:     histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Rate-limit metrics.
//
// RateLimitChecksTotal counts every Check by action type and result, where result is
// one of "allowed", "denied", or "failed_open". A rising failed_open rate means the
// window store is unreachable and quotas are not being enforced.
//
// RateLimitAlertsTotal counts alerts emitted after deduplication, by tier
// ("warning" or "exceeded").
//
// RateLimitStoreErrorsTotal counts window store failures by operation.
//
// Example PromQL queries:
//   - Denial ratio:        sum(rate(ratelimit_checks_total{result="denied"}[5m])) / sum(rate(ratelimit_checks_total[5m]))
//   - Fail-open alert:     increase(ratelimit_checks_total{result="failed_open"}[5m]) > 0
var (
	RateLimitChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_checks_total",
			Help: "Total number of rate-limit checks, by action type and result.",
		},
		[]string{"action_type", "result"},
	)

	RateLimitAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_alerts_total",
			Help: "Total number of deduplicated rate-limit alerts, by action type and tier.",
		},
		[]string{"action_type", "tier"},
	)

	RateLimitStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total number of rate-limit window store failures, by operation.",
		},
		[]string{"operation"},
	)
)

// Suspension metrics.
//
// SuspensionTransitionsTotal counts committed transitions by history action
// (suspended, modified, lifted, blocked).
//
// SessionsTerminatedTotal is incremented when the session monitor or a refresh
// detects an active restriction and revokes a live session.
var (
	SuspensionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suspension_transitions_total",
			Help: "Total number of committed suspension transitions, by action.",
		},
		[]string{"action"},
	)

	SessionsTerminatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_terminated_total",
			Help: "Total number of live sessions revoked because the user became restricted.",
		},
	)
)

// AlertDispatchFailuresTotal counts failed deliveries by channel ("email", "in_app").
// Failures are logged and never retried synchronously, so this counter is the only
// durable signal of an SMTP or notification-table outage.
var AlertDispatchFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alert_dispatch_failures_total",
		Help: "Total number of failed admin alert deliveries, by channel.",
	},
	[]string{"channel"},
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
