/*
Package events provides an in-memory event broker for topology and
lifecycle notifications inside the control plane.

The broker is topic-agnostic: every published Event is broadcast to every
subscriber over a buffered channel (buffer 100 at the broker, 50 per
subscriber). Broadcast is non-blocking — a slow subscriber drops events
rather than stalling the publisher, which is always a background loop
(gossip, election, replication shipper) that cannot afford to block on a
consumer.

ClusterManager publishes LeaderChanged; FailoverManager publishes
FailoverStateChanged; ReplicationManager publishes ReplicationConflict;
DistributedStateManager publishes LockAcquired/LockPreempted. NodeJoined,
NodeLeft and ClusterStateChanged are defined but no component publishes
them, and no component in this module subscribes to the broker.
*/
package events
