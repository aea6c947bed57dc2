package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/stretchr/testify/require"
)

// fakeCluster is a ClusterReader a test can drive node-by-node without a
// real gossip cluster.
type fakeCluster struct {
	mu       sync.Mutex
	members  map[types.NodeId]types.NodeState
	isLeader bool
	quorum   bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{members: map[types.NodeId]types.NodeState{}, isLeader: true, quorum: true}
}

func (f *fakeCluster) set(id types.NodeId, state types.NodeState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id] = state
}

func (f *fakeCluster) Members() []types.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Node, 0, len(f.members))
	for id, state := range f.members {
		out = append(out, types.Node{NodeID: id, State: state})
	}
	return out
}

func (f *fakeCluster) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isLeader
}

func (f *fakeCluster) HasQuorum() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quorum
}

// fakeState is a StateWriter backed by an in-memory map, enough to exercise
// promote()'s read-then-CAS sequence without a real Raft FSM.
type fakeState struct {
	mu      sync.Mutex
	values  map[string][]byte
	version map[string]uint64
}

func newFakeState() *fakeState {
	return &fakeState{values: map[string][]byte{}, version: map[string]uint64{}}
}

func (f *fakeState) Get(_ context.Context, key string, _ bool) (types.StateEntry, bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return types.StateEntry{}, false, false, nil
	}
	return types.StateEntry{Key: key, Value: v, Version: f.version[key]}, true, false, nil
}

func (f *fakeState) CompareAndSwap(_ context.Context, key string, expectedVersion uint64, newValue []byte) (bool, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.version[key] != expectedVersion {
		return false, f.version[key], nil
	}
	f.version[key]++
	f.values[key] = newValue
	return true, f.version[key], nil
}

// fakeRepl is a LagReporter with a fixed, test-set lag table.
type fakeRepl struct {
	lag map[types.NodeId]float64
}

func (f *fakeRepl) Status() types.ReplicationStatus {
	st := types.ReplicationStatus{}
	for id, lag := range f.lag {
		st.PerNode = append(st.PerNode, types.ReplicationNodeStatus{NodeID: id, LagSeconds: lag})
	}
	return st
}

func testPolicy() types.FailoverPolicy {
	return types.FailoverPolicy{
		AutoFailoverEnabled:  true,
		FailureThreshold:     2,
		HealthCheckInterval:  time.Hour, // tests drive ticks manually
		MaxAttempts:          2,
		FailbackStableWindow: 30 * time.Second,
	}
}

func newTestManager(t *testing.T, cluster *fakeCluster, state *fakeState, repl LagReporter) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Self:        "node-a",
		Cluster:     cluster,
		StateMgr:    state,
		Replication: repl,
		Clock:       types.SystemClock{},
	})
	require.NoError(t, err)
	return m
}

func TestDefineGroupIdempotent(t *testing.T) {
	m := newTestManager(t, newFakeCluster(), newFakeState(), nil)
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))
}

func TestDefineGroupConflictingRedefinitionFails(t *testing.T) {
	m := newTestManager(t, newFakeCluster(), newFakeState(), nil)
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))
	err := m.DefineGroup("g1", "p2", []types.NodeId{"s1"}, testPolicy())
	require.Error(t, err)
	require.Equal(t, types.KindAlreadyExists, types.KindOf(err))
}

func TestReconfigureGroupResetsFailedToNormal(t *testing.T) {
	m := newTestManager(t, newFakeCluster(), newFakeState(), nil)
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))

	gs := m.groups["g1"]
	gs.mu.Lock()
	gs.g.State = types.FailoverFailed
	gs.g.PromotionAttempts = 2
	gs.mu.Unlock()

	require.NoError(t, m.ReconfigureGroup("g1", "p3", []types.NodeId{"s1"}, testPolicy()))
	status, err := m.Status("g1")
	require.NoError(t, err)
	require.Equal(t, types.FailoverNormal, status.State)
	require.Equal(t, 0, status.PromotionAttempts)
	require.Equal(t, types.NodeId("p3"), status.PrimaryNodeID)
}

func TestManualFailoverRequiresLeaderAndQuorum(t *testing.T) {
	cluster := newFakeCluster()
	cluster.quorum = false
	m := newTestManager(t, cluster, newFakeState(), nil)
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))

	err := m.ManualFailover(context.Background(), "g1", "s1")
	require.Error(t, err)
	require.Equal(t, types.KindNoQuorum, types.KindOf(err))
}

func TestManualFailoverRejectsNonMember(t *testing.T) {
	m := newTestManager(t, newFakeCluster(), newFakeState(), nil)
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))

	err := m.ManualFailover(context.Background(), "g1", "intruder")
	require.Error(t, err)
	require.Equal(t, types.KindConfiguration, types.KindOf(err))
}

func TestManualFailoverPromotesEligibleSecondary(t *testing.T) {
	cluster := newFakeCluster()
	m := newTestManager(t, cluster, newFakeState(), nil)
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))

	require.NoError(t, m.ManualFailover(context.Background(), "g1", "s1"))
	status, err := m.Status("g1")
	require.NoError(t, err)
	require.Equal(t, types.NodeId("s1"), status.PrimaryNodeID)
	require.Equal(t, types.FailoverFailedOver, status.State)
}

// TestTickPromotesAfterFailureThreshold drives Normal -> Detecting ->
// FailingOver -> FailedOver by hand, mirroring scenario coverage for
// consecutive primary failures tripping automatic promotion.
func TestTickPromotesAfterFailureThreshold(t *testing.T) {
	cluster := newFakeCluster()
	cluster.set("s1", types.NodeActive)
	// primary "p" is absent from the roster: unhealthy.
	state := newFakeState()
	m := newTestManager(t, cluster, state, nil)
	policy := testPolicy()
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, policy))
	gs := m.groups["g1"]

	m.tick(gs) // fail 1, below threshold (2)
	require.Equal(t, types.FailoverNormal, gs.snapshot().State)

	m.tick(gs) // fail 2, threshold reached -> Detecting
	require.Equal(t, types.FailoverDetecting, gs.snapshot().State)

	m.tick(gs) // still unhealthy in Detecting -> FailingOver
	require.Equal(t, types.FailoverFailingOver, gs.snapshot().State)

	m.tick(gs) // FailingOver attempts promotion onto s1
	status := gs.snapshot()
	require.Equal(t, types.FailoverFailedOver, status.State)
	require.Equal(t, types.NodeId("s1"), status.PrimaryNodeID)
}

func TestDetectingRecoversToNormalIfPrimaryHealthyAgain(t *testing.T) {
	cluster := newFakeCluster()
	cluster.set("p", types.NodeActive)
	cluster.set("s1", types.NodeActive)
	m := newTestManager(t, cluster, newFakeState(), nil)
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))
	gs := m.groups["g1"]
	gs.mu.Lock()
	gs.g.State = types.FailoverDetecting
	gs.mu.Unlock()

	m.tick(gs)
	require.Equal(t, types.FailoverNormal, gs.snapshot().State)
}

func TestAttemptPromotionExhaustsMaxAttemptsToFailed(t *testing.T) {
	cluster := newFakeCluster() // no secondaries ever healthy
	state := newFakeState()
	m := newTestManager(t, cluster, state, nil)
	policy := testPolicy()
	policy.MaxAttempts = 2
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, policy))
	gs := m.groups["g1"]
	gs.mu.Lock()
	gs.g.State = types.FailoverFailingOver
	gs.mu.Unlock()

	m.attemptPromotion(gs)
	require.Equal(t, types.FailoverFailingOver, gs.snapshot().State)
	require.Equal(t, 1, gs.snapshot().PromotionAttempts)

	m.attemptPromotion(gs)
	require.Equal(t, types.FailoverFailed, gs.snapshot().State)
}

func TestSelectSecondaryPicksHealthyLowestLag(t *testing.T) {
	cluster := newFakeCluster()
	cluster.set("s1", types.NodeActive)
	cluster.set("s2", types.NodeActive)
	cluster.set("s3", types.NodeUnreachable)
	repl := &fakeRepl{lag: map[types.NodeId]float64{"s1": 5.0, "s2": 1.0}}
	m := newTestManager(t, cluster, newFakeState(), repl)

	target, ok := m.selectSecondary([]types.NodeId{"s1", "s2", "s3"})
	require.True(t, ok)
	require.Equal(t, types.NodeId("s2"), target, "s2 has the lowest lag among healthy candidates")
}

func TestSelectSecondaryUnknownLagSortsLast(t *testing.T) {
	cluster := newFakeCluster()
	cluster.set("s1", types.NodeActive)
	cluster.set("s2", types.NodeActive)
	repl := &fakeRepl{lag: map[types.NodeId]float64{"s2": 1.0}} // s1 unreported
	m := newTestManager(t, cluster, newFakeState(), repl)

	target, ok := m.selectSecondary([]types.NodeId{"s1", "s2"})
	require.True(t, ok)
	require.Equal(t, types.NodeId("s2"), target)
}

func TestSelectSecondaryNoneHealthyReturnsFalse(t *testing.T) {
	cluster := newFakeCluster()
	cluster.set("s1", types.NodeUnreachable)
	m := newTestManager(t, cluster, newFakeState(), nil)

	_, ok := m.selectSecondary([]types.NodeId{"s1"})
	require.False(t, ok)
}

func TestFailbackRequiresFailedOverState(t *testing.T) {
	m := newTestManager(t, newFakeCluster(), newFakeState(), nil)
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, testPolicy()))

	err := m.Failback("g1")
	require.Error(t, err)
	require.Equal(t, types.KindConfiguration, types.KindOf(err))
}

// TestTickRecoveringPromotesAfterStableWindow covers failback's wait for the
// original primary to be healthy for a full FailbackStableWindow before
// committing the promotion back.
func TestTickRecoveringPromotesAfterStableWindow(t *testing.T) {
	cluster := newFakeCluster()
	cluster.set("p", types.NodeActive)
	cluster.set("s1", types.NodeActive)
	clock := types.NewManualClock(time.Now())
	m, err := NewManager(Config{
		Self:     "node-a",
		Cluster:  cluster,
		StateMgr: newFakeState(),
		Clock:    clock,
	})
	require.NoError(t, err)

	policy := testPolicy()
	policy.FailbackStableWindow = 10 * time.Second
	require.NoError(t, m.DefineGroup("g1", "p", []types.NodeId{"s1"}, policy))
	gs := m.groups["g1"]
	gs.mu.Lock()
	gs.g.State = types.FailoverRecovering
	gs.g.PrimaryNodeID = "s1"
	gs.originalPrimary = "p"
	gs.mu.Unlock()

	m.tickRecovering(gs) // starts the stability window
	require.Equal(t, types.FailoverRecovering, gs.snapshot().State)

	clock.Advance(5 * time.Second)
	m.tickRecovering(gs) // window not yet elapsed
	require.Equal(t, types.FailoverRecovering, gs.snapshot().State)

	clock.Advance(6 * time.Second)
	m.tickRecovering(gs) // window elapsed, promotes back to p
	status := gs.snapshot()
	require.Equal(t, types.FailoverNormal, status.State)
	require.Equal(t, types.NodeId("p"), status.PrimaryNodeID)
}

func TestTickRecoveringResetsWindowIfPrimaryFlaps(t *testing.T) {
	cluster := newFakeCluster()
	cluster.set("p", types.NodeActive)
	clock := types.NewManualClock(time.Now())
	m, err := NewManager(Config{
		Self:     "node-a",
		Cluster:  cluster,
		StateMgr: newFakeState(),
		Clock:    clock,
	})
	require.NoError(t, err)
	policy := testPolicy()
	policy.FailbackStableWindow = 10 * time.Second
	require.NoError(t, m.DefineGroup("g1", "p", nil, policy))
	gs := m.groups["g1"]
	gs.mu.Lock()
	gs.g.State = types.FailoverRecovering
	gs.originalPrimary = "p"
	gs.mu.Unlock()

	m.tickRecovering(gs)
	clock.Advance(5 * time.Second)

	cluster.set("p", types.NodeUnreachable)
	m.tickRecovering(gs)
	gs.mu.Lock()
	reset := gs.recoveringSince.IsZero()
	gs.mu.Unlock()
	require.True(t, reset, "an unhealthy observation must clear the stability window start")

	cluster.set("p", types.NodeActive)
	clock.Advance(9 * time.Second) // would have been enough without the flap resetting the clock
	m.tickRecovering(gs)
	require.Equal(t, types.FailoverRecovering, gs.snapshot().State, "a flap must restart the stability window")
}
