package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the resilience layer
var (
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_cache_lookups_total",
			Help: "Tracking resolutions by outcome (terminal, fresh, refreshed, error)",
		},
		[]string{"result"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracking_provider_request_duration_seconds",
			Help:    "Duration of calls to the tracking provider",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by scope and decision",
		},
		[]string{"scope", "decision"},
	)

	RateLimitPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_purged_counters_total",
			Help: "Expired rate limit counters removed by the janitor",
		},
	)

	AbuseEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuse_events_total",
			Help: "Abuse correlator events (rejected, banned, suspicious, escalated, unbanned)",
		},
		[]string{"event"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Jobs enqueued by type",
		},
		[]string{"type"},
	)

	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Jobs processed by type and resulting status",
		},
		[]string{"type", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler execution time by job type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	JobsRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_recovered_total",
			Help: "Jobs moved back to pending by maintenance (retry, lease)",
		},
		[]string{"reason"},
	)

	ReconciliationTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_transactions_total",
			Help: "Stuck transactions handled by the resolver by outcome",
		},
		[]string{"outcome"},
	)

	DeadmanChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadman_checks_total",
			Help: "Dead-man's switch evaluations by resulting state",
		},
		[]string{"state"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CacheLookupsTotal,
			ProviderRequestDuration,
			RateLimitDecisionsTotal,
			RateLimitPurgedTotal,
			AbuseEventsTotal,
			JobsEnqueuedTotal,
			JobsProcessedTotal,
			JobDuration,
			JobsRecoveredTotal,
			ReconciliationTransactionsTotal,
			DeadmanChecksTotal,
		)
	})
}
