/*
Package transport implements the control plane's inter-node wire protocol:
length-delimited binary frames carrying a cluster id, sender node id, term,
message type, and payload, as described in spec.md §6 ("Wire framing").

Two Transport implementations ship. TCPTransport is the production
implementation, one accept loop plus dial-on-demand, where each Dial opens
a new connection, grounded in the teacher's raft.NewTCPTransport usage in
pkg/manager. PipeTransport links endpoints in memory, each Dial creating a
new net.Pipe, for deterministic, allocation-free tests.

The package never interprets payload contents; higher layers (cluster,
replication, state) own the message-type-specific encodings.
*/
package transport
