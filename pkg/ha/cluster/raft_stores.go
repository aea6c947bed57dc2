package cluster

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftStores bundles the four collaborators raft.NewRaft needs beyond the
// FSM. Production callers get one from NewFileRaftStores (BoltDB-backed,
// grounded on the teacher's pkg/manager/manager.go Bootstrap/Join); tests
// get one from NewInmemRaftStores.
type RaftStores struct {
	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore
	closers       []func() error
}

// Close releases any open file handles (BoltDB stores). In-memory stores
// have nothing to release.
func (s RaftStores) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewFileRaftStores builds durable, disk-backed Raft stores rooted at
// dataDir, binding a dedicated TCP transport at bindAddr, exactly as the
// teacher's Manager.Bootstrap/Join configure Raft (raft-boltdb log/stable
// stores, a file snapshot store, a raft.NewTCPTransport separate from
// pkg/ha/transport's own listener).
func NewFileRaftStores(dataDir, bindAddr string) (RaftStores, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return RaftStores{}, fmt.Errorf("raft: create data dir %s: %w", dataDir, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return RaftStores{}, fmt.Errorf("raft: resolve bind addr %s: %w", bindAddr, err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return RaftStores{}, fmt.Errorf("raft: tcp transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return RaftStores{}, fmt.Errorf("raft: file snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return RaftStores{}, fmt.Errorf("raft: log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return RaftStores{}, fmt.Errorf("raft: stable store: %w", err)
	}

	return RaftStores{
		Transport:     transport,
		LogStore:      logStore,
		StableStore:   stableStore,
		SnapshotStore: snapshotStore,
		closers: []func() error{
			logStore.Close,
			stableStore.Close,
		},
	}, nil
}

// NewInmemRaftStores builds ephemeral, in-process Raft stores for tests, so
// seed scenarios (spec.md §8) can run full elections without a real socket
// or disk. addr is the logical address other in-memory transports dial to
// reach this node.
func NewInmemRaftStores(addr raft.ServerAddress) RaftStores {
	_, transport := raft.NewInmemTransport(addr)
	return RaftStores{
		Transport:     transport,
		LogStore:      raft.NewInmemStore(),
		StableStore:   raft.NewInmemStore(),
		SnapshotStore: raft.NewInmemSnapshotStore(),
	}
}

// ConnectInmemTransports wires two in-memory Raft transports so each can
// dial the other, mirroring transport.LinkPipeTransports for the gossip
// layer.
func ConnectInmemTransports(a, b RaftStores) {
	at := a.Transport.(*raft.InmemTransport)
	bt := b.Transport.(*raft.InmemTransport)
	at.Connect(bt.LocalAddr(), bt)
	bt.Connect(at.LocalAddr(), at)
}
