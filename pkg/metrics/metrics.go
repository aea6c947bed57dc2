package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClusterTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_cluster_term",
			Help: "Current Raft-style election term observed by this node",
		},
	)

	ClusterIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_cluster_is_leader",
			Help: "Whether this node is the current cluster leader (1 = leader, 0 = follower)",
		},
	)

	ClusterQuorumPresent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_cluster_quorum_present",
			Help: "Whether the local view of the cluster satisfies quorum (1 = yes, 0 = no)",
		},
	)

	ClusterMembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_cluster_members_total",
			Help: "Total number of known cluster members by state",
		},
		[]string{"state"},
	)

	GossipMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_gossip_messages_total",
			Help: "Total number of gossip messages sent or received by type",
		},
		[]string{"direction", "type"},
	)

	ElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_elections_total",
			Help: "Total number of leader elections initiated by this node",
		},
	)

	// Health metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_health_checks_total",
			Help: "Total number of health probe executions by check id and outcome",
		},
		[]string{"check_id", "outcome"},
	)

	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_health_check_duration_seconds",
			Help:    "Health probe execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"check_id"},
	)

	// Failover metrics
	FailoverTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_failover_transitions_total",
			Help: "Total number of failover group state transitions",
		},
		[]string{"group_id", "to_state"},
	)

	// Replication metrics
	ReplicationLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_replication_lag_seconds",
			Help: "Replication lag in seconds per destination node",
		},
		[]string{"node_id"},
	)

	ReplicationConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_replication_conflicts_total",
			Help: "Total number of detected replication conflicts by data type",
		},
		[]string{"data_type"},
	)

	ReplicationShipDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_replication_ship_duration_seconds",
			Help:    "Time taken to ship one replicated record to one destination",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Distributed state metrics
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	LockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_lock_contention_total",
			Help: "Total number of lock acquisitions that had to wait for a held lock",
		},
	)

	StateCASTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_state_cas_total",
			Help: "Total number of compare_and_swap calls by outcome",
		},
		[]string{"outcome"},
	)

	StateApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_state_apply_duration_seconds",
			Help:    "Time taken for a distributed state write to commit",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ClusterTerm)
	prometheus.MustRegister(ClusterIsLeader)
	prometheus.MustRegister(ClusterQuorumPresent)
	prometheus.MustRegister(ClusterMembersTotal)
	prometheus.MustRegister(GossipMessagesTotal)
	prometheus.MustRegister(ElectionsTotal)

	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(HealthCheckDuration)

	prometheus.MustRegister(FailoverTransitionsTotal)

	prometheus.MustRegister(ReplicationLagSeconds)
	prometheus.MustRegister(ReplicationConflictsTotal)
	prometheus.MustRegister(ReplicationShipDuration)

	prometheus.MustRegister(LockAcquisitionsTotal)
	prometheus.MustRegister(LockContentionTotal)
	prometheus.MustRegister(StateCASTotal)
	prometheus.MustRegister(StateApplyDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
