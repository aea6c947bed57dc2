// Package failover implements FailoverManager (spec.md §4.3): per-service
// primary/secondary tracking, automatic promotion on primary failure, and
// controlled failback.
//
// Primary liveness is derived from ClusterManager's own gossip/heartbeat
// view of the roster (a node reported ACTIVE or LEADER is live; DEGRADED,
// UNREACHABLE, LEAVING, or absent counts as a liveness failure) rather than
// from a separately registered probe, since ClusterManager already runs
// failure detection the state machine here can ride on. Promotion commits
// through DistributedStateManager.CompareAndSwap on "failover/<group_id>",
// so two partitioned nodes can never both believe they promoted a primary.
//
// Grounded on pkg/ha/health's scheduler-loop-plus-threshold shape
// generalized to a multi-state machine, and on pkg/ha/statemgr for the
// promotion write path.
package failover
