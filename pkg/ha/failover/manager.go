package failover

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/rs/zerolog"
)

// ClusterReader is the slice of *cluster.Manager this package depends on: the
// roster (for primary/secondary liveness) and leader/quorum gating for
// ManualFailover. An explicit interface per the redesign note on dynamic
// polymorphism in spec.md §9 — one abstraction per collaborator, and one
// a test can satisfy without standing up a real gossip cluster.
type ClusterReader interface {
	Members() []types.Node
	IsLeader() bool
	HasQuorum() bool
}

// StateWriter is the slice of *statemgr.Manager used to commit promotions.
type StateWriter interface {
	Get(ctx context.Context, key string, linearizable bool) (types.StateEntry, bool, bool, error)
	CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, newValue []byte) (bool, uint64, error)
}

// LagReporter is the slice of *replication.Manager used to break ties
// between eligible secondaries.
type LagReporter interface {
	Status() types.ReplicationStatus
}

// Config configures a Manager.
type Config struct {
	Self types.NodeId
	// Cluster supplies roster membership, used as the primary/secondary
	// liveness signal, and leader/quorum gating for ManualFailover.
	Cluster ClusterReader
	// StateMgr commits promotions via compare_and_swap on
	// "failover/<group_id>" so two partitioned nodes never both promote.
	StateMgr StateWriter
	// Replication is optional; when set, its per-node lag informs secondary
	// selection (spec.md §4.3's "smallest replication lag" tie-break).
	Replication LagReporter
	Clock       types.Clock
	EventBroker *events.Broker
}

// groupState is one FailoverGroup plus the bookkeeping not exposed through
// Status, each guarded by its own mutex so concurrent groups never contend
// on a shared lock (mirrors pkg/ha/health's per-check registration).
type groupState struct {
	mu              sync.Mutex
	g               types.FailoverGroup
	originalPrimary types.NodeId
	recoveringSince time.Time
	stop            chan struct{}
}

func (gs *groupState) snapshot() types.FailoverGroup {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	out := gs.g
	out.SecondaryNodeIDs = append([]types.NodeId(nil), gs.g.SecondaryNodeIDs...)
	return out
}

// Manager is FailoverManager (spec.md §4.3): tracks which node holds
// PRIMARY for each defined FailoverGroup and drives the promotion state
// machine from primary-liveness observations.
type Manager struct {
	cfg     Config
	cluster ClusterReader
	state   StateWriter
	repl    LagReporter
	clock   types.Clock
	events  *events.Broker
	logger  zerolog.Logger

	mu      sync.RWMutex
	groups  map[string]*groupState
	started bool

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewManager constructs a Manager. Groups are added with DefineGroup; none
// are monitored until Start is called.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Self == "" {
		return nil, types.NewError(types.KindConfiguration, false, "failover: node id is required", nil)
	}
	if cfg.Cluster == nil {
		return nil, types.NewError(types.KindConfiguration, false, "failover: cluster manager is required", nil)
	}
	if cfg.StateMgr == nil {
		return nil, types.NewError(types.KindConfiguration, false, "failover: distributed state manager is required", nil)
	}
	return &Manager{
		cfg:     cfg,
		cluster: cfg.Cluster,
		state:   cfg.StateMgr,
		repl:    cfg.Replication,
		clock:   cfg.Clock,
		events:  cfg.EventBroker,
		logger:  log.WithComponent("failover").With().Str("node_id", string(cfg.Self)).Logger(),
		groups:  make(map[string]*groupState),
		stop:    make(chan struct{}),
	}, nil
}

// DefineGroup registers a FailoverGroup. Idempotent by group_id when called
// with an identical definition; a different definition for an existing
// group_id fails with ALREADY_REGISTERED (spec.md §4.3: use
// ReconfigureGroup to change an existing group).
func (m *Manager) DefineGroup(groupID string, primary types.NodeId, secondaries []types.NodeId, policy types.FailoverPolicy) error {
	if policy == (types.FailoverPolicy{}) {
		policy = types.DefaultFailoverPolicy()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.groups[groupID]; ok {
		snap := existing.snapshot()
		if snap.PrimaryNodeID == primary && equalNodeIDs(snap.SecondaryNodeIDs, secondaries) && snap.Policy == policy {
			return nil
		}
		return types.NewError(types.KindAlreadyExists, false,
			"failover: group "+groupID+" already defined with a different configuration; use ReconfigureGroup", nil)
	}

	gs := &groupState{
		g: types.FailoverGroup{
			GroupID:          groupID,
			PrimaryNodeID:    primary,
			SecondaryNodeIDs: append([]types.NodeId(nil), secondaries...),
			State:            types.FailoverNormal,
			LastTransitionAt: m.clock.WallNow(),
			Policy:           policy,
		},
		originalPrimary: primary,
		stop:            make(chan struct{}),
	}
	m.groups[groupID] = gs
	if m.started {
		m.wg.Add(1)
		go m.runGroupLoop(gs)
	}
	return nil
}

// ReconfigureGroup changes an existing group's definition. Calling it on a
// group in FAILED state is the operator-intervention path named in §4.3's
// state machine and resets the group to NORMAL.
func (m *Manager) ReconfigureGroup(groupID string, primary types.NodeId, secondaries []types.NodeId, policy types.FailoverPolicy) error {
	m.mu.RLock()
	gs, ok := m.groups[groupID]
	m.mu.RUnlock()
	if !ok {
		return types.NewError(types.KindNotFound, false, "failover: group "+groupID+" not defined", nil)
	}
	if policy == (types.FailoverPolicy{}) {
		policy = types.DefaultFailoverPolicy()
	}

	gs.mu.Lock()
	wasFailed := gs.g.State == types.FailoverFailed
	gs.g.PrimaryNodeID = primary
	gs.g.SecondaryNodeIDs = append([]types.NodeId(nil), secondaries...)
	gs.g.Policy = policy
	gs.originalPrimary = primary
	if wasFailed {
		gs.g.State = types.FailoverNormal
		gs.g.ConsecutiveFails = 0
		gs.g.PromotionAttempts = 0
		gs.g.LastTransitionAt = m.clock.WallNow()
	}
	gs.mu.Unlock()

	if wasFailed {
		metrics.FailoverTransitionsTotal.WithLabelValues(groupID, string(types.FailoverNormal)).Inc()
		m.publishEvent(groupID, types.FailoverNormal)
	}
	return nil
}

// Status returns a snapshot of one group, or NOT_FOUND if never defined.
func (m *Manager) Status(groupID string) (types.FailoverGroup, error) {
	m.mu.RLock()
	gs, ok := m.groups[groupID]
	m.mu.RUnlock()
	if !ok {
		return types.FailoverGroup{}, types.NewError(types.KindNotFound, false, "failover: group "+groupID+" not defined", nil)
	}
	return gs.snapshot(), nil
}

// AllGroups returns a snapshot of every defined group, keyed by group_id,
// for callers (the status surface, the startup orchestrator) that need the
// whole set rather than one group at a time.
func (m *Manager) AllGroups() map[string]types.FailoverGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.FailoverGroup, len(m.groups))
	for id, gs := range m.groups {
		out[id] = gs.snapshot()
	}
	return out
}

// ManualFailover forces promotion of targetNodeID, requiring this node to
// be the cluster leader with quorum present (spec.md §4.3).
func (m *Manager) ManualFailover(ctx context.Context, groupID string, targetNodeID types.NodeId) error {
	if !m.cluster.IsLeader() || !m.cluster.HasQuorum() {
		return types.NewError(types.KindNoQuorum, true, "failover: manual_failover requires leadership and quorum", nil)
	}

	m.mu.RLock()
	gs, ok := m.groups[groupID]
	m.mu.RUnlock()
	if !ok {
		return types.NewError(types.KindNotFound, false, "failover: group "+groupID+" not defined", nil)
	}

	snap := gs.snapshot()
	eligible := targetNodeID == snap.PrimaryNodeID
	for _, s := range snap.SecondaryNodeIDs {
		if s == targetNodeID {
			eligible = true
		}
	}
	if !eligible {
		return types.NewError(types.KindConfiguration, false, "failover: "+string(targetNodeID)+" is not a member of group "+groupID, nil)
	}

	if err := m.promote(ctx, groupID, targetNodeID); err != nil {
		return err
	}

	gs.mu.Lock()
	gs.g.PrimaryNodeID = targetNodeID
	gs.g.ConsecutiveFails = 0
	gs.g.PromotionAttempts = 0
	gs.mu.Unlock()
	m.transition(gs, types.FailoverFailedOver)
	return nil
}

// Failback starts re-promoting the original primary once it has been
// healthy for Policy.FailbackStableWindow. Only valid from FAILED_OVER.
func (m *Manager) Failback(groupID string) error {
	m.mu.RLock()
	gs, ok := m.groups[groupID]
	m.mu.RUnlock()
	if !ok {
		return types.NewError(types.KindNotFound, false, "failover: group "+groupID+" not defined", nil)
	}

	gs.mu.Lock()
	if gs.g.State != types.FailoverFailedOver {
		state := gs.g.State
		gs.mu.Unlock()
		return types.NewError(types.KindConfiguration, false,
			"failover: failback requires FAILED_OVER, group "+groupID+" is "+string(state), nil)
	}
	gs.recoveringSince = time.Time{}
	gs.mu.Unlock()

	m.transition(gs, types.FailoverRecovering)
	return nil
}

// Start begins monitoring every currently defined group and any defined
// afterward.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	groups := make([]*groupState, 0, len(m.groups))
	for _, gs := range m.groups {
		groups = append(groups, gs)
	}
	m.mu.Unlock()

	for _, gs := range groups {
		m.wg.Add(1)
		go m.runGroupLoop(gs)
	}
}

// Stop halts every group's monitoring loop.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) runGroupLoop(gs *groupState) {
	defer m.wg.Done()
	for {
		gs.mu.Lock()
		interval := gs.g.Policy.HealthCheckInterval
		gs.mu.Unlock()
		if interval <= 0 {
			interval = 2 * time.Second
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-gs.stop:
			timer.Stop()
			return
		case <-m.stop:
			timer.Stop()
			return
		}
		m.tick(gs)
	}
}

func (m *Manager) tick(gs *groupState) {
	gs.mu.Lock()
	state := gs.g.State
	primary := gs.g.PrimaryNodeID
	policy := gs.g.Policy
	gs.mu.Unlock()

	switch state {
	case types.FailoverNormal:
		if m.nodeHealthy(primary) {
			gs.mu.Lock()
			gs.g.ConsecutiveFails = 0
			gs.mu.Unlock()
			return
		}
		gs.mu.Lock()
		gs.g.ConsecutiveFails++
		fails := gs.g.ConsecutiveFails
		gs.mu.Unlock()
		if fails < policy.FailureThreshold {
			return
		}
		if !policy.AutoFailoverEnabled {
			m.logger.Warn().Str("group_id", gs.g.GroupID).Str("primary", string(primary)).
				Msg("failover: primary unhealthy but auto_failover_enabled is false, alerting only")
			return
		}
		m.transition(gs, types.FailoverDetecting)

	case types.FailoverDetecting:
		if m.nodeHealthy(primary) {
			gs.mu.Lock()
			gs.g.ConsecutiveFails = 0
			gs.mu.Unlock()
			m.transition(gs, types.FailoverNormal)
			return
		}
		m.transition(gs, types.FailoverFailingOver)

	case types.FailoverFailingOver:
		m.attemptPromotion(gs)

	case types.FailoverRecovering:
		m.tickRecovering(gs)

	case types.FailoverFailedOver, types.FailoverFailed:
		// No automatic action: FAILED_OVER awaits Failback, FAILED awaits
		// ReconfigureGroup (operator intervention).
	}
}

func (m *Manager) attemptPromotion(gs *groupState) {
	snap := gs.snapshot()

	target, ok := m.selectSecondary(snap.SecondaryNodeIDs)
	if !ok {
		m.recordFailedAttempt(gs)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.promote(ctx, snap.GroupID, target); err != nil {
		m.logger.Warn().Str("group_id", snap.GroupID).Str("target", string(target)).Err(err).
			Msg("failover: promotion attempt failed")
		m.recordFailedAttempt(gs)
		return
	}

	gs.mu.Lock()
	gs.g.PrimaryNodeID = target
	gs.g.PromotionAttempts = 0
	gs.g.ConsecutiveFails = 0
	gs.mu.Unlock()
	m.transition(gs, types.FailoverFailedOver)
}

func (m *Manager) recordFailedAttempt(gs *groupState) {
	gs.mu.Lock()
	gs.g.PromotionAttempts++
	attempts := gs.g.PromotionAttempts
	maxAttempts := gs.g.Policy.MaxAttempts
	gs.mu.Unlock()
	if maxAttempts > 0 && attempts >= maxAttempts {
		m.transition(gs, types.FailoverFailed)
	}
}

func (m *Manager) tickRecovering(gs *groupState) {
	gs.mu.Lock()
	orig := gs.originalPrimary
	since := gs.recoveringSince
	window := gs.g.Policy.FailbackStableWindow
	groupID := gs.g.GroupID
	gs.mu.Unlock()

	if !m.nodeHealthy(orig) {
		gs.mu.Lock()
		gs.recoveringSince = time.Time{}
		gs.mu.Unlock()
		return
	}
	if since.IsZero() {
		gs.mu.Lock()
		gs.recoveringSince = m.clock.Now()
		gs.mu.Unlock()
		return
	}
	if m.clock.Now().Sub(since) < window {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.promote(ctx, groupID, orig); err != nil {
		m.logger.Warn().Str("group_id", groupID).Err(err).Msg("failover: failback promotion failed, retrying")
		return
	}

	gs.mu.Lock()
	gs.g.PrimaryNodeID = orig
	gs.g.ConsecutiveFails = 0
	gs.g.PromotionAttempts = 0
	gs.mu.Unlock()
	m.transition(gs, types.FailoverNormal)
}

// promote commits target as the new primary for groupID through
// DistributedStateManager's compare_and_swap, so a promotion only succeeds
// if no other node has already promoted a different primary since the last
// observed version (spec.md §4.3's "cluster-wide advisory write").
func (m *Manager) promote(ctx context.Context, groupID string, target types.NodeId) error {
	key := "failover/" + groupID
	entry, found, _, err := m.state.Get(ctx, key, true)
	if err != nil {
		return err
	}
	var expected uint64
	if found {
		expected = entry.Version
	}
	ok, _, err := m.state.CompareAndSwap(ctx, key, expected, []byte(target))
	if err != nil {
		return err
	}
	if !ok {
		return types.NewError(types.KindCASFailed, true, "failover: promotion CAS lost the race for "+groupID, nil)
	}
	return nil
}

// selectSecondary picks the healthy candidate with the smallest replication
// lag, ties broken by list order (spec.md §4.3: "first SECONDARY that is
// HEALTHY and has the smallest replication lag"). Secondaries whose node
// metadata sets failover_ineligible="true" are never selected.
func (m *Manager) selectSecondary(secondaries []types.NodeId) (types.NodeId, bool) {
	lagOf := map[types.NodeId]float64{}
	if m.repl != nil {
		for _, ns := range m.repl.Status().PerNode {
			lagOf[ns.NodeID] = ns.LagSeconds
		}
	}
	ineligible := map[types.NodeId]bool{}
	for _, n := range m.cluster.Members() {
		if n.FailoverIneligible() {
			ineligible[n.NodeID] = true
		}
	}

	type candidate struct {
		id  types.NodeId
		lag float64
	}
	var candidates []candidate
	for _, s := range secondaries {
		if ineligible[s] || !m.nodeHealthy(s) {
			continue
		}
		lag, ok := lagOf[s]
		if !ok {
			lag = math.MaxFloat64
		}
		candidates = append(candidates, candidate{id: s, lag: lag})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].lag < candidates[j].lag })
	return candidates[0].id, true
}

func (m *Manager) nodeHealthy(id types.NodeId) bool {
	for _, n := range m.cluster.Members() {
		if n.NodeID == id {
			return n.State == types.NodeActive || n.State == types.NodeLeader
		}
	}
	return false
}

func (m *Manager) transition(gs *groupState, to types.FailoverState) {
	gs.mu.Lock()
	gs.g.State = to
	gs.g.LastTransitionAt = m.clock.WallNow()
	groupID := gs.g.GroupID
	gs.mu.Unlock()

	metrics.FailoverTransitionsTotal.WithLabelValues(groupID, string(to)).Inc()
	m.publishEvent(groupID, to)
}

func (m *Manager) publishEvent(groupID string, to types.FailoverState) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:    events.EventFailoverStateChanged,
		Message: "failover group " + groupID + " transitioned to " + string(to),
		Metadata: map[string]string{
			"group_id": groupID,
			"state":    string(to),
		},
	})
}

func equalNodeIDs(a, b []types.NodeId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
