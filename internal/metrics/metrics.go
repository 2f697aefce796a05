// Package metrics registers the proxy's Prometheus instrumentation:
// per-session counters driven by the classifier, reply tracker,
// prepared-statement map, session history, and backend pools.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts classified statements by operation and backend.
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxscale_proxy_query_total",
			Help: "Total number of statements classified and routed",
		},
		[]string{"operation", "backend"},
	)

	// QueryLatency tracks backend round-trip latency by operation.
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maxscale_proxy_query_latency_seconds",
			Help:    "Backend round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// SessionsActive is the current number of live client sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maxscale_proxy_sessions_active",
			Help: "Current number of active client sessions",
		},
	)

	// SessionsTotal counts sessions opened since startup.
	SessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_proxy_sessions_total",
			Help: "Total client sessions opened",
		},
	)

	// AuthFailuresTotal counts failed client authentication attempts.
	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_proxy_auth_failures_total",
			Help: "Total client authentication failures",
		},
	)

	// PreparedStatementsActive is the current number of open prepared
	// statements across all sessions.
	PreparedStatementsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maxscale_proxy_prepared_statements_active",
			Help: "Current number of open prepared statements",
		},
	)

	// HistoryReplayTotal counts session-history entries replayed onto a
	// newly adopted backend, by comparison outcome.
	HistoryReplayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maxscale_proxy_history_replay_total",
			Help: "Total session-history entries replayed during backend adoption",
		},
		[]string{"outcome"},
	)

	// HistoryOverflowTotal counts sessions whose history log exceeded
	// its configured maximum.
	HistoryOverflowTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maxscale_proxy_history_overflow_total",
			Help: "Total sessions whose history log overflowed",
		},
	)

	// BackendPoolHealthy reports whether a pool member is currently
	// considered healthy (1) or not (0).
	BackendPoolHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maxscale_proxy_backend_healthy",
			Help: "Whether a backend pool member is currently healthy",
		},
		[]string{"shard", "backend"},
	)

	// BackendConnectionsActive tracks pooled backend connections by
	// shard and role (primary/replica).
	BackendConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maxscale_proxy_backend_connections_active",
			Help: "Current number of pooled backend connections",
		},
		[]string{"shard", "role"},
	)

	// TransactionsActive is the current number of sessions with an open
	// transaction (ACTIVE_READ or ACTIVE_WRITE).
	TransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maxscale_proxy_transactions_active",
			Help: "Current number of sessions with an open transaction",
		},
	)

	once sync.Once
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			QueryTotal,
			QueryLatency,
			SessionsActive,
			SessionsTotal,
			AuthFailuresTotal,
			PreparedStatementsActive,
			HistoryReplayTotal,
			HistoryOverflowTotal,
			BackendPoolHealthy,
			BackendConnectionsActive,
			TransactionsActive,
		)
	})
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
