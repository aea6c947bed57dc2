// Package replication implements ReplicationManager (spec.md §4.4):
// shipping versioned ReplicationRecords from writers to replicas, detecting
// and resolving version-vector conflicts, and reporting per-destination
// lag.
//
// Two distinct paths realize the two modes, grounded in what each mode
// actually needs:
//
//   - MASTER_SLAVE: there is exactly one writer — the ClusterManager's Raft
//     leader for this node's cluster. STRONG and QUORUM consistency are
//     satisfied for free by routing the write through
//     (*cluster.Manager).Propose: a Raft Apply only returns success once a
//     majority of voters have durably appended the entry, which is
//     precisely "ack required from a strict majority" (spec.md §4.4). No
//     separate consensus round is hand-rolled for this mode.
//   - MULTI_MASTER: any leader-quorum node may originate a write, so there
//     is no single log to route through. Writes apply locally immediately,
//     then ship asynchronously to every known peer over
//     pkg/ha/transport-framed connections (REPLICATE/REPLICATE_ACK), one
//     FIFO queue per destination (spec.md §4.4's "Shipment protocol").
//     Conflicts between concurrently-written version vectors are expected
//     and resolved per ConflictPolicy.
//
// This split is recorded as an Open Question decision in DESIGN.md: the
// source material sketches only master-slave in detail: multi-master is
// implemented here exactly as spec.md §4.4 describes it, independently of
// the Raft log.
package replication
