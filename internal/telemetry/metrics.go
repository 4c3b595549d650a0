// Package telemetry provides application-level observability for GitSwarm.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served on the
// side-channel HTTP server started by the serve command:
//
//	GET http://<host>:<GITSWARM_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is not mounted on the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Installation token cache lookups and token issuance outcomes
//   - GitHub API request counters and latency, by operation
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric is labelled with an organization, repository or token. HTTP metrics use
// c.FullPath() (e.g. /api/v1/repos/:repoID/file) and GitHub metrics use a fixed operation
// name such as get_file_contents.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// Installation token metrics.
//
// TokenCacheLookupsTotal has label {result}: "hit" when a cached token was still valid past the
// safety margin, "miss" when the issuer had to be called.
//
// TokenIssuanceTotal has label {outcome}: "success" or "failure". A failure here means the
// GitHub App could not mint a token for an installation.
//
// Example PromQL queries:
//   - Cache hit ratio:  sum(rate(token_cache_lookups_total{result="hit"}[5m])) / sum(rate(token_cache_lookups_total[5m]))
//   - Alert expression: increase(installation_token_issuance_total{outcome="failure"}[15m]) > 0
var (
	TokenCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_cache_lookups_total",
			Help: "Total number of installation token cache lookups, by result (hit or miss).",
		},
		[]string{"result"},
	)

	TokenIssuanceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "installation_token_issuance_total",
			Help: "Total number of installation token issuance attempts, by outcome.",
		},
		[]string{"outcome"},
	)
)

// GitHub API metrics.
//
// GitHubAPIRequestsTotal has labels {operation, status}. status is the HTTP status code, or
// "error" when no response was received.
//
// Example PromQL queries:
//   - Upstream error rate:  sum(rate(github_api_requests_total{status=~"[45]..|error"}[5m])) by (operation)
//   - p95 latency:          histogram_quantile(0.95, sum by (operation, le) (rate(github_api_request_duration_seconds_bucket[5m])))
var (
	GitHubAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "github_api_requests_total",
			Help: "Total number of GitHub API requests, by operation and response status.",
		},
		[]string{"operation", "status"},
	)

	GitHubAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "github_api_request_duration_seconds",
			Help:    "Histogram of GitHub API request latencies, by operation.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when the
// application shuts down and closes the pool.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
