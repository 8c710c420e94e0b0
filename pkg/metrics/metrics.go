// Package metrics declares the process's Prometheus collectors, grouped by
// subsystem, and a small Timer helper for histogram observation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Epoxy metrics
	EpoxyLogDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pegboard_epoxy_log_depth",
			Help: "Number of instances in this replica's log by state",
		},
		[]string{"replica_id", "state"},
	)

	EpoxyBallotNumber = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pegboard_epoxy_ballot_number",
			Help: "Current ballot number for this replica",
		},
		[]string{"replica_id"},
	)

	EpoxyProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pegboard_epoxy_proposals_total",
			Help: "Total Epoxy proposals by outcome (committed, failed)",
		},
		[]string{"outcome"},
	)

	EpoxyProposeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pegboard_epoxy_propose_duration_seconds",
			Help:    "Time to commit an Epoxy instance",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	EpoxyConfigEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pegboard_epoxy_config_epoch",
			Help: "Current Epoxy cluster config epoch",
		},
	)

	// Actor / runner lifecycle metrics
	ActorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pegboard_actors_total",
			Help: "Total number of actors by state",
		},
		[]string{"state"},
	)

	ActorAllocateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pegboard_actor_allocate_duration_seconds",
			Help:    "Time from allocation start to runner assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActorRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pegboard_actor_restarts_total",
			Help: "Total number of actor restarts due to runner loss",
		},
	)

	RunnersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pegboard_runners_total",
			Help: "Total number of registered runners by status",
		},
		[]string{"status"},
	)

	RunnerSlotsUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pegboard_runner_slots_used",
			Help: "Used slots per runner name",
		},
		[]string{"runner_name"},
	)

	RunnerSlotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pegboard_runner_slots_total",
			Help: "Total slots per runner name",
		},
		[]string{"runner_name"},
	)

	RunnerEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pegboard_runner_evictions_total",
			Help: "Total number of runner evictions by a newer connection",
		},
	)

	// Tunnel metrics
	TunnelRequestsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pegboard_tunnel_requests_active",
			Help: "Number of in-flight tunneled requests",
		},
	)

	TunnelPingRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pegboard_tunnel_ping_rtt_seconds",
			Help:    "Observed tunnel ping round-trip time",
			Buckets: prometheus.DefBuckets,
		},
	)

	TunnelBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pegboard_tunnel_bytes_total",
			Help: "Total bytes transferred through the tunnel",
		},
		[]string{"direction"},
	)

	TunnelHibernatingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pegboard_tunnel_hibernating_requests",
			Help: "Number of tunneled requests currently hibernating",
		},
	)

	// Guard metrics
	GuardRoutesCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pegboard_guard_route_cache_size",
			Help: "Number of entries in the guard route cache",
		},
	)

	GuardRouteCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pegboard_guard_route_cache_total",
			Help: "Guard route cache lookups by outcome (hit, miss)",
		},
		[]string{"outcome"},
	)

	GuardRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pegboard_guard_requests_total",
			Help: "Guard requests by routing outcome",
		},
		[]string{"outcome"},
	)

	// KV metrics
	KVTxnRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pegboard_kv_txn_retries_total",
			Help: "Total KV transaction retry attempts",
		},
	)

	KVTxnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pegboard_kv_txn_duration_seconds",
			Help:    "KV transaction duration including retries",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		EpoxyLogDepth, EpoxyBallotNumber, EpoxyProposalsTotal, EpoxyProposeDuration, EpoxyConfigEpoch,
		ActorsTotal, ActorAllocateDuration, ActorRestartsTotal,
		RunnersTotal, RunnerSlotsUsed, RunnerSlotsTotal, RunnerEvictionsTotal,
		TunnelRequestsActive, TunnelPingRTT, TunnelBytesTotal, TunnelHibernatingRequests,
		GuardRoutesCacheSize, GuardRouteCacheHits, GuardRequestsTotal,
		KVTxnRetries, KVTxnDuration,
	)
}

// Handler returns the process's Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
