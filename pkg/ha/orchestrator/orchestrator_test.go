package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/ha/cluster"
	"github.com/cuemby/beacon/pkg/ha/failover"
	"github.com/cuemby/beacon/pkg/ha/health"
	"github.com/cuemby/beacon/pkg/ha/repository"
	"github.com/cuemby/beacon/pkg/ha/replication"
	"github.com/cuemby/beacon/pkg/ha/statemgr"
	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func newSingleNodeOrchestrator(t *testing.T, id string) *Orchestrator {
	t.Helper()
	gossip := transport.NewPipeTransport(id)
	stores := cluster.NewInmemRaftStores(raft.ServerAddress(id))
	t.Cleanup(func() { stores.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cm, err := cluster.NewManager(cluster.Config{
		Self: types.Node{
			NodeID:   types.NodeId(id),
			Address:  "127.0.0.1",
			Port:     0,
			State:    types.NodeActive,
			Priority: 1,
		},
		ClusterSize:            1,
		GossipTransport:        gossip,
		RaftStores:             stores,
		Clock:                  types.SystemClock{},
		EventBroker:            broker,
		GossipInterval:         50 * time.Millisecond,
		ElectionTimeoutMin:     100 * time.Millisecond,
		ElectionTimeoutMax:     200 * time.Millisecond,
		VoterReconcileInterval: 50 * time.Millisecond,
		JoinDeadline:           2 * time.Second,
	})
	require.NoError(t, err)

	sm, err := statemgr.NewManager(statemgr.Config{
		Self:        types.NodeId(id),
		Cluster:     cm,
		Clock:       types.SystemClock{},
		EventBroker: broker,
	})
	require.NoError(t, err)

	fm, err := failover.NewManager(failover.Config{
		Self:        types.NodeId(id),
		Cluster:     cm,
		StateMgr:    sm,
		Clock:       types.SystemClock{},
		EventBroker: broker,
	})
	require.NoError(t, err)

	rm := replication.NewManager(replication.Config{
		Self:        types.NodeId(id),
		Cluster:     cm,
		Repository:  repository.NewMemoryRepository(),
		Transport:   transport.NewPipeTransport(id + "-repl"),
		Clock:       types.SystemClock{},
		EventBroker: broker,
	})

	hm := health.NewMonitor(types.SystemClock{})

	o := New(Config{
		Self:           types.NodeId(id),
		Cluster:        cm,
		Health:         hm,
		Failover:       fm,
		Replication:    rm,
		State:          sm,
		EventBroker:    broker,
		FormingTimeout: time.Second,
		ShutdownGrace:  2 * time.Second,
	})
	t.Cleanup(o.Stop)
	return o
}

func TestStartBringsSingleNodeToReady(t *testing.T) {
	o := newSingleNodeOrchestrator(t, "solo")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, o.Start(ctx))
	require.Eventually(t, o.Ready, 2*time.Second, 10*time.Millisecond)
	require.True(t, o.IsLeader())

	status := o.PhaseStatus()
	require.True(t, status.Ready)
	require.Equal(t, types.ClusterStable, status.Cluster.State)
}

func TestLeaderInfoUnknownBeforeStart(t *testing.T) {
	o := newSingleNodeOrchestrator(t, "solo2")
	_, _, ok := o.LeaderInfo()
	require.False(t, ok)
}
