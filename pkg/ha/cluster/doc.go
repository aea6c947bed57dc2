/*
Package cluster implements ClusterManager: membership via gossip, a
heartbeat-driven leader election backed by github.com/hashicorp/raft, and
split-brain/quorum enforcement (spec.md §4.2).

Two protocols run side by side, the same split real systems in this corpus
use (Serf-style gossip for membership next to Raft for consensus):

  - Membership: a SWIM-inspired anti-entropy gossip loop exchanges full
    roster snapshots over pkg/ha/transport every gossip_interval. Each
    member carries an incarnation counter; a node that receives a DEGRADED
    or UNREACHABLE record about itself bumps its own incarnation and
    rebroadcasts its live record, refuting the suspicion (spec.md §4.2,
    "Membership protocol"). Grounded on
    scttfrdmn-objectfs's internal/distributed/gossip.go.

  - Leader election and log replication: a github.com/hashicorp/raft
    instance, configured the way the teacher's pkg/manager/manager.go
    configures one (raft-boltdb log/stable store, file snapshot store,
    tuned HeartbeatTimeout/ElectionTimeout), maps directly onto spec.md's
    heartbeat_interval/heartbeat_miss_threshold: ElectionTimeout is set to
    heartbeat_miss_threshold*heartbeat_interval. Raft runs its own
    NewTCPTransport on a dedicated port, separate from pkg/ha/transport,
    exactly as a real deployment would separate a consensus port from a
    client-facing one. Priority-aware tie-breaking (spec.md's "ties broken
    by higher priority") is approximated on top of real Raft elections: the
    current leader triggers a LeadershipTransfer to a healthy ACTIVE peer
    with a higher priority (or the same priority and a smaller node id),
    converging the cluster onto the highest-priority healthy node without
    reinventing consensus.

The FSM (raft.FSM) dispatches committed log entries to Op handlers
registered by ReplicationManager and DistributedStateManager via
RegisterOp, so cluster never imports either package — it only
owns the replicated log they write through.
*/
package cluster
