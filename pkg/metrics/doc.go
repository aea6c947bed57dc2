/*
Package metrics defines and registers the control plane's Prometheus
series using github.com/prometheus/client_golang, and exposes them over
Handler() for mounting by cmd/beacond.

Series are grouped by the HA component that owns them: cluster (term,
leader gauge, quorum gauge, member counts, gossip traffic, elections),
health (probe pass/fail counts and latency), failover (state transition
counts), replication (per-destination lag, conflicts, ship duration), and
distributed state (lock acquisition outcomes, contention, CAS outcomes,
apply latency). Each component calls into this package from its own
background loop rather than owning a prometheus.Registry itself, so a
single /metrics endpoint reflects the whole node.

Timer is a small helper for the common "time an operation, observe it into
a histogram on return" pattern used throughout the other ha/* packages.
*/
package metrics
