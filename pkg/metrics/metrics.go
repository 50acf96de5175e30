package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster role metrics
	ReplicationLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcm_replication_leader",
			Help: "Whether this node currently holds the replication leader lock (1 or 0)",
		},
	)

	RegisteredNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcm_registered_nodes",
			Help: "Number of live nodes visible in the coordination registry",
		},
	)

	LeaderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcm_leader_transitions_total",
			Help: "Role transitions performed by this node",
		},
		[]string{"transition"},
	)

	// Session metrics
	SessionRenewFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcm_session_renew_failures_total",
			Help: "Failed coordination session renewals",
		},
	)

	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcm_sessions_created_total",
			Help: "Coordination sessions created over the node lifetime",
		},
	)

	// Snapshot metrics
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcm_snapshots_total",
			Help: "Snapshot attempts by outcome",
		},
		[]string{"status"},
	)

	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcm_restores_total",
			Help: "Restore attempts by outcome",
		},
		[]string{"status"},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcm_snapshot_duration_seconds",
			Help:    "Wall time of snapshot creation",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// Control loop metrics
	ControlLoopTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcm_control_loop_tick_duration_seconds",
			Help:    "Duration of control loop iterations",
			Buckets: prometheus.DefBuckets,
		},
	)

	RouterReconfigurationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcm_router_reconfigurations_total",
			Help: "Backend list pushes to the query router",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReplicationLeader,
		RegisteredNodes,
		LeaderTransitionsTotal,
		SessionRenewFailuresTotal,
		SessionsCreatedTotal,
		SnapshotsTotal,
		RestoresTotal,
		SnapshotDuration,
		ControlLoopTickDuration,
		RouterReconfigurationsTotal,
	)
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics HTTP server on addr. It blocks, so callers run it
// in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
