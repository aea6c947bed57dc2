/*
Package log provides structured logging for the control plane using
zerolog.

A single package-level Logger is configured once via Init and handed out
to every HA component as a component-scoped child logger:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	clusterLog := log.WithComponent("cluster")
	clusterLog.Info().Str("node_id", "n1").Msg("elected leader")

WithNodeID, WithGroupID, and WithDataType add the corresponding field to a
child logger without repeating Str() calls at every call site. Background
loops (gossip, heartbeat, replication shippers) log through one of these
instead of the global Logger directly, so every line in the stream carries
the component and identity it came from.
*/
package log
