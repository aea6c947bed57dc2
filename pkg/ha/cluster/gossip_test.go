package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/stretchr/testify/require"
)

func waitForGossip(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

func newTestGossiper(t *testing.T, name string, clock types.Clock, interval time.Duration) (*Gossiper, *transport.PipeTransport) {
	t.Helper()
	pt := transport.NewPipeTransport(name)
	g := NewGossiper(GossipConfig{
		Self: types.Node{
			NodeID:   types.NodeId(name),
			Address:  name,
			State:    types.NodeActive,
			Priority: 1,
		},
		Transport: pt,
		Clock:     clock,
		Interval:  interval,
	})
	return g, pt
}

func TestGossiperJoinMergesRoster(t *testing.T) {
	clock := types.SystemClock{}

	a, ptA := newTestGossiper(t, "a", clock, time.Hour)
	b, ptB := newTestGossiper(t, "b", clock, time.Hour)
	transport.LinkPipeTransports(ptA, ptB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop()
	defer b.Stop()

	require.NoError(t, a.Join(context.Background(), []string{"b"}))

	waitForGossip(t, time.Second, func() bool { return len(a.Members()) == 2 })

	members := a.Members()
	ids := map[types.NodeId]bool{}
	for _, m := range members {
		ids[m.NodeID] = true
	}
	require.True(t, ids["a"])
	require.True(t, ids["b"])
}

func TestGossiperPropagatesViaGossipLoop(t *testing.T) {
	clock := types.NewManualClock(time.Unix(0, 0))

	a, ptA := newTestGossiper(t, "a", clock, 5*time.Millisecond)
	b, ptB := newTestGossiper(t, "b", clock, 5*time.Millisecond)
	c, ptC := newTestGossiper(t, "c", clock, 5*time.Millisecond)
	transport.LinkPipeTransports(ptA, ptB, ptC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)
	c.Start(ctx)
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	require.NoError(t, a.Join(context.Background(), []string{"b"}))
	require.NoError(t, c.Join(context.Background(), []string{"b"}))

	waitForGossip(t, 2*time.Second, func() bool { return len(a.Members()) == 3 })
	waitForGossip(t, 2*time.Second, func() bool { return len(c.Members()) == 3 })
}

func TestGossiperSuspectTimesOutToUnreachable(t *testing.T) {
	clock := types.NewManualClock(time.Unix(0, 0))

	a, ptA := newTestGossiper(t, "a", clock, 5*time.Millisecond)
	a.suspectTimeout = 10 * time.Millisecond
	transport.LinkPipeTransports(ptA, transport.NewPipeTransport("ghost"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	a.mergeNode(types.Node{NodeID: "ghost", Address: "ghost", State: types.NodeActive, Incarnation: 1})
	require.Equal(t, 2, len(a.Members()))

	a.suspect("ghost")
	clock.Advance(20 * time.Millisecond)

	waitForGossip(t, 2*time.Second, func() bool {
		n, ok := a.roster.get("ghost")
		return ok && n.State == types.NodeUnreachable
	})
}
