// Package metrics holds the process's prometheus collectors. Like the
// logger, there is a single registry built once at the composition root;
// cmd/server exposes it over /metrics via promhttp, while the two poll-loop
// binaries register it without serving it. No code in this module updates
// these collectors, so every series they export stays at zero.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SessionsAcquired counts successful session handle acquisitions
	// (internal/sessionstore), labeled by outcome so "already in use" stays
	// visible as a distinct rate from a clean acquire.
	SessionsAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gram_sessions_acquired_total",
		Help: "Session handle acquisitions, by outcome.",
	}, []string{"outcome"})

	// ResolveCacheHits / ResolveCacheMisses track the read-through cache in
	// front of chat-cache lookups (Redis, then Postgres, then platform).
	ResolveCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gram_resolve_cache_hits_total",
		Help: "Username resolution cache hits, by layer.",
	}, []string{"layer"})
	ResolveCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gram_resolve_cache_misses_total",
		Help: "Username resolutions that fell through to the platform client.",
	})

	// HistoryMessagesFetched / HistoryIntervalsExpanded track the
	// transactional history expander's throughput.
	HistoryMessagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gram_history_messages_fetched_total",
		Help: "Messages pulled from the platform by the history expander.",
	})
	HistoryIntervalsExpanded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gram_history_intervals_expanded_total",
		Help: "History expansion passes, by direction (archaeology, catchup, prime).",
	}, []string{"direction"})

	// SchedulerLoopIterations / SchedulerRowsSkipped measure the two
	// scheduler driver loops (channel-history, username-full).
	SchedulerLoopIterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gram_scheduler_loop_iterations_total",
		Help: "Scheduler driver loop iterations, by loop name.",
	}, []string{"loop"})
	SchedulerRowsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gram_scheduler_rows_skipped_total",
		Help: "Work rows the scheduler deleted as unresolvable rather than retried.",
	}, []string{"loop"})

	// PlatformRPCErrors counts RPC errors surfaced by the platform client,
	// labeled by the gotd/td error tag (FLOOD_WAIT, FILE_MIGRATE, etc).
	PlatformRPCErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gram_platform_rpc_errors_total",
		Help: "RPC errors returned by the platform client, by error tag.",
	}, []string{"tag"})
)

// MustRegister registers every collector above against registry.
func MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		SessionsAcquired,
		ResolveCacheHits,
		ResolveCacheMisses,
		HistoryMessagesFetched,
		HistoryIntervalsExpanded,
		SchedulerLoopIterations,
		SchedulerRowsSkipped,
		PlatformRPCErrors,
	)
}
