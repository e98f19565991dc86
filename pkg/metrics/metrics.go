package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RateLimitDecisions counts limiter outcomes by tier, action and result
// (allowed, denied, deny_cached, store_unavailable, invalid_identifier).
var RateLimitDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scriptforge_ratelimit_decisions_total",
		Help: "Rate limit decisions by tier, action and result",
	},
	[]string{"tier", "action", "result"},
)

// RateLimitStoreLatency records counter store round-trip time
var RateLimitStoreLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "scriptforge_ratelimit_store_latency_seconds",
		Help:    "Latency of the atomic counter upsert",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"store"},
)

// Circuit breaker metrics
var (
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scriptforge_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"dependency"},
	)

	BreakerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptforge_breaker_calls_total",
			Help: "Protected calls by dependency and outcome (success, failure, timeout, rejected, excluded)",
		},
		[]string{"dependency", "outcome"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptforge_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)
)

// Cache metrics
var (
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptforge_cache_requests_total",
			Help: "Cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	CacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptforge_cache_invalidations_total",
			Help: "Tag invalidations by origin (local, remote)",
		},
		[]string{"origin"},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scriptforge_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scriptforge_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scriptforge_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(RateLimitDecisions, RateLimitStoreLatency)
	prometheus.MustRegister(BreakerState, BreakerCalls, BreakerTransitions)
	prometheus.MustRegister(CacheRequests, CacheInvalidations)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
