/*
Package types defines the core data structures shared by every HA control
plane component: cluster membership, health status, failover groups,
replication records, and distributed state entries.

These types carry no behavior of their own beyond small invariant-preserving
helpers (e.g. Node.FailoverIneligible, ClusterView.Quorum); the components in sibling
packages (cluster, health, failover, replication, state) own the state
machines that mutate them.
*/
package types
