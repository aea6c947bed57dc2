package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, id string, size int) (*Manager, *transport.PipeTransport, RaftStores) {
	t.Helper()
	return newTestManagerWithPriority(t, id, size, 1, 0)
}

func newTestManagerWithPriority(t *testing.T, id string, size, priority int, priorityWait time.Duration) (*Manager, *transport.PipeTransport, RaftStores) {
	t.Helper()
	pt := transport.NewPipeTransport(id)
	stores := NewInmemRaftStores(raft.ServerAddress(id))

	m, err := NewManager(Config{
		Self: types.Node{
			NodeID:   types.NodeId(id),
			Address:  id,
			State:    types.NodeActive,
			Priority: priority,
		},
		ClusterSize:            size,
		GossipTransport:        pt,
		RaftStores:             stores,
		Clock:                  types.SystemClock{},
		GossipInterval:         50 * time.Millisecond,
		ElectionTimeoutMin:     100 * time.Millisecond,
		ElectionTimeoutMax:     200 * time.Millisecond,
		VoterReconcileInterval: 50 * time.Millisecond,
		PriorityWait:           priorityWait,
		JoinDeadline:           2 * time.Second,
	})
	require.NoError(t, err)
	return m, pt, stores
}

// TestSingleNodeClusterIsAlwaysLeader covers spec.md §8's size=1 boundary:
// the sole node becomes leader and stays STABLE.
func TestSingleNodeClusterIsAlwaysLeader(t *testing.T) {
	m, _, stores := newTestManager(t, "solo", 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx, nil))
	defer m.Stop()
	defer stores.Close()

	require.Eventually(t, m.IsLeader, 2*time.Second, 10*time.Millisecond)
	view := m.ClusterInfo()
	require.Equal(t, types.ClusterStable, view.State)
	require.True(t, view.QuorumPresent())
}

// TestThreeNodeClusterElectsOneLeader exercises seed Scenario A: three
// nodes converge to STABLE with exactly one leader.
func TestThreeNodeClusterElectsOneLeader(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	managers := make([]*Manager, 0, len(ids))
	pipes := make([]*transport.PipeTransport, 0, len(ids))
	raftStores := make([]RaftStores, 0, len(ids))

	for _, id := range ids {
		m, pt, stores := newTestManager(t, id, len(ids))
		managers = append(managers, m)
		pipes = append(pipes, pt)
		raftStores = append(raftStores, stores)
	}
	transport.LinkPipeTransports(pipes...)
	for i := range raftStores {
		for j := range raftStores {
			if i == j {
				continue
			}
			ConnectInmemTransports(raftStores[i], raftStores[j])
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, managers[0].Start(ctx, nil))
	defer managers[0].Stop()
	for _, m := range managers[1:] {
		require.NoError(t, m.Start(ctx, []string{"n1"}))
		defer m.Stop()
	}

	require.Eventually(t, func() bool {
		leaders := 0
		for _, m := range managers {
			if m.IsLeader() {
				leaders++
			}
		}
		return leaders == 1
	}, 5*time.Second, 20*time.Millisecond, "expected exactly one leader to emerge")

	require.Eventually(t, func() bool {
		for _, m := range managers {
			if len(m.Members()) != len(ids) {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "expected gossip to converge on full roster")
}

// TestPriorityTieBreakConvergesOnHighestPriorityNode seeds spec.md Scenario A
// directly: three nodes n1,n2,n3 with priorities 10,20,10. Raft's own
// election is priority-blind, so whichever node it elects first may not be
// n2; considerPriorityTransfer is what pulls leadership onto n2 once n2 has
// held "best eligible candidate" for at least PriorityWait. See DESIGN.md's
// "Priority-aware leader election" entry: this is why the assertion below
// bounds the term at 2 rather than requiring the literal term==1 spec.md:384
// states, since a transfer (if one is needed) bumps the term by one.
func TestPriorityTieBreakConvergesOnHighestPriorityNode(t *testing.T) {
	priorities := map[string]int{"n1": 10, "n2": 20, "n3": 10}
	ids := []string{"n1", "n2", "n3"}
	managers := make([]*Manager, 0, len(ids))
	pipes := make([]*transport.PipeTransport, 0, len(ids))
	raftStores := make([]RaftStores, 0, len(ids))

	for _, id := range ids {
		m, pt, stores := newTestManagerWithPriority(t, id, len(ids), priorities[id], 100*time.Millisecond)
		managers = append(managers, m)
		pipes = append(pipes, pt)
		raftStores = append(raftStores, stores)
	}
	transport.LinkPipeTransports(pipes...)
	for i := range raftStores {
		for j := range raftStores {
			if i == j {
				continue
			}
			ConnectInmemTransports(raftStores[i], raftStores[j])
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, managers[0].Start(ctx, nil))
	defer managers[0].Stop()
	for _, m := range managers[1:] {
		require.NoError(t, m.Start(ctx, []string{"n1"}))
		defer m.Stop()
	}

	require.Eventually(t, func() bool {
		view := managers[0].ClusterInfo()
		return view.LeaderNodeID == types.NodeId("n2")
	}, 10*time.Second, 50*time.Millisecond, "expected leadership to converge on the highest-priority node n2")

	view := managers[0].ClusterInfo()
	require.Equal(t, types.NodeId("n2"), view.LeaderNodeID)
	require.True(t, view.Term == 1 || view.Term == 2, "expected term 1 (direct election) or 2 (one priority transfer), got %d", view.Term)
}
