// Package statemgr implements DistributedStateManager (spec.md §4.5): a
// small cluster-wide key/value map plus compare-and-swap, fenced TTL locks,
// and mini-transactions.
//
// Writes are committed through a dedicated replication.Manager instance
// scoped to data_type "state", forced to MASTER_SLAVE mode regardless of
// whatever mode the rest of the system's general-purpose
// ReplicationManager runs in (spec.md §4.5's "Backing protocol": writes go
// through the cluster leader). This is recorded as an Open Question
// decision in DESIGN.md: the source material's backing store is
// Redis-like local storage with no explicit replication path for state
// entries; routing exclusively through the QUORUM/MASTER_SLAVE path is the
// choice this specification commits to, which keeps compare_and_swap
// linearizable per key (spec.md §8, property 3) since every write is
// serialized by the single Raft log.
package statemgr
