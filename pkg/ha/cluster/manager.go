package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// Config configures a Manager. Unset durations fall back to spec.md §6's
// documented defaults.
type Config struct {
	ClusterID   transport.ClusterID
	Self        types.Node
	ClusterSize int

	GossipTransport transport.Transport
	RaftStores      RaftStores

	Clock       types.Clock
	EventBroker *events.Broker

	GossipInterval          time.Duration
	HeartbeatInterval       time.Duration
	HeartbeatMissThreshold  int
	ElectionTimeoutMin      time.Duration
	ElectionTimeoutMax      time.Duration
	JoinDeadline            time.Duration
	PriorityWait            time.Duration
	VoterReconcileInterval  time.Duration
	MaxClockSkew            time.Duration
}

func (c *Config) setDefaults() {
	if c.GossipInterval <= 0 {
		c.GossipInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 500 * time.Millisecond
	}
	if c.HeartbeatMissThreshold <= 0 {
		c.HeartbeatMissThreshold = 4
	}
	// ElectionTimeout is derived from heartbeat_interval * heartbeat_miss_threshold
	// (spec.md §6) unless the caller pins an explicit randomized range.
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = c.HeartbeatInterval
	}
	if c.ElectionTimeoutMax <= 0 {
		c.ElectionTimeoutMax = c.HeartbeatInterval * time.Duration(c.HeartbeatMissThreshold)
	}
	if c.JoinDeadline <= 0 {
		c.JoinDeadline = 10 * time.Second
	}
	if c.PriorityWait <= 0 {
		c.PriorityWait = 500 * time.Millisecond
	}
	if c.VoterReconcileInterval <= 0 {
		c.VoterReconcileInterval = 2 * time.Second
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = 30 * time.Second
	}
}

// Manager is ClusterManager: membership (via Gossiper), Raft-backed leader
// election, and split-brain/quorum enforcement (spec.md §4.2).
type Manager struct {
	cfg       Config
	clusterID transport.ClusterID
	self      types.NodeId
	clock     types.Clock
	logger    zerolog.Logger
	events    *events.Broker

	gossiper   *Gossiper
	fsm        *fsm
	raft       *raft.Raft
	notifyCh   chan bool
	splitBrain *splitBrainDetector
	priority   *priorityTracker

	mu          sync.RWMutex
	subscribers []func(types.ClusterView)
	stale       bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager. Start must be called before Join or
// Propose are meaningful.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Self.NodeID == "" {
		return nil, types.NewError(types.KindConfiguration, false, "cluster: node id is required", nil)
	}
	if cfg.ClusterSize <= 0 {
		return nil, types.NewError(types.KindConfiguration, false, "cluster: cluster size must be positive", nil)
	}
	cfg.setDefaults()

	notifyCh := make(chan bool, 8)

	f := newFSM()
	m := &Manager{
		cfg:        cfg,
		clusterID:  cfg.ClusterID,
		self:       cfg.Self.NodeID,
		clock:      cfg.Clock,
		logger:     log.WithComponent("cluster").With().Str("node_id", string(cfg.Self.NodeID)).Logger(),
		events:     cfg.EventBroker,
		fsm:        f,
		notifyCh:   notifyCh,
		splitBrain: newSplitBrainDetector(cfg.Self.NodeID),
		priority:   newPriorityTracker(),
		stop:       make(chan struct{}),
	}

	m.gossiper = NewGossiper(GossipConfig{
		ClusterID: cfg.ClusterID,
		Self:      cfg.Self,
		Transport: cfg.GossipTransport,
		Clock:     cfg.Clock,
		Interval:  cfg.GossipInterval,
		OnChange:  m.handleTopologyChange,
	})

	return m, nil
}

// RegisterOp wires a Raft-log operation handler, used by ReplicationManager
// and DistributedStateManager to ride the shared log (pkg/ha/cluster's
// package doc).
func (m *Manager) RegisterOp(op string, handler OpHandler) {
	m.fsm.registerOp(op, handler)
}

// RegisterSnapshot wires a named snapshot fragment producer/consumer pair.
func (m *Manager) RegisterSnapshot(name string, snap SnapshotHandler, restore RestoreHandler) {
	m.fsm.registerSnapshot(name, snap, restore)
}

// Start brings up gossip and Raft. If seeds is empty (an empty initial
// cluster), this node bootstraps a single-server Raft
// configuration; otherwise Start blocks, like Join, until the roster
// exchange with seeds completes or JoinDeadline elapses.
func (m *Manager) Start(ctx context.Context, seeds []string) error {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(m.self)
	raftConfig.HeartbeatTimeout = m.cfg.ElectionTimeoutMin
	raftConfig.ElectionTimeout = m.cfg.ElectionTimeoutMax
	raftConfig.LeaderLeaseTimeout = m.cfg.ElectionTimeoutMin / 2
	raftConfig.NotifyCh = m.notifyCh

	r, err := raft.NewRaft(raftConfig, m.fsm, m.cfg.RaftStores.LogStore, m.cfg.RaftStores.StableStore,
		m.cfg.RaftStores.SnapshotStore, m.cfg.RaftStores.Transport)
	if err != nil {
		return fmt.Errorf("cluster: start raft: %w", err)
	}
	m.raft = r

	m.gossiper.Start(ctx)

	if len(seeds) == 0 {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: m.cfg.RaftStores.Transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return fmt.Errorf("cluster: bootstrap: %w", err)
		}
	}

	m.wg.Add(3)
	go m.leadershipLoop(ctx)
	go m.termPublishLoop(ctx)
	go m.voterReconcileLoop(ctx)

	if len(seeds) > 0 {
		return m.Join(ctx, seeds)
	}
	return nil
}

// Join contacts seed addresses, exchanging rosters, bounded by
// cfg.JoinDeadline. Raft membership itself is reconciled asynchronously by
// the current leader (voterReconcileLoop) once gossip has propagated this
// node; Join returning success means the roster exchange succeeded, matching
// spec.md §4.2's description of the operation.
func (m *Manager) Join(ctx context.Context, seeds []string) error {
	joinCtx, cancel := context.WithTimeout(ctx, m.cfg.JoinDeadline)
	defer cancel()
	return m.gossiper.Join(joinCtx, seeds)
}

// Leave broadcasts a LEAVE intent and, if this node is leader, attempts a
// polite leadership transfer first so the cluster doesn't stall electing a
// new leader from scratch.
func (m *Manager) Leave() {
	if m.IsLeader() {
		_ = m.raft.LeadershipTransfer().Error()
	}
	m.gossiper.Leave()
}

// Stop halts every background loop, gossip, and Raft.
func (m *Manager) Stop() {
	close(m.stop)
	m.gossiper.Stop()
	if m.raft != nil {
		_ = m.raft.Shutdown().Error()
	}
	_ = m.cfg.RaftStores.Close()
	m.wg.Wait()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// Leader returns the current leader's NodeId, if known.
func (m *Manager) Leader() (types.NodeId, bool) {
	if m.raft == nil {
		return "", false
	}
	addr := m.raft.Leader()
	if addr == "" {
		return "", false
	}
	for _, n := range m.gossiper.Members() {
		if n.Metadata["raft_addr"] == string(addr) {
			return n.NodeID, true
		}
	}
	return "", false
}

// Members returns a snapshot of the gossip roster.
func (m *Manager) Members() []types.Node {
	return m.gossiper.Members()
}

// currentTerm extracts the locally observed Raft term from raft.Stats(),
// the only public accessor the library offers for it.
func (m *Manager) currentTerm() uint64 {
	if m.raft == nil {
		return 0
	}
	stats := m.raft.Stats()
	term, _ := strconv.ParseUint(stats["term"], 10, 64)
	return term
}

// ClusterInfo returns a ClusterView snapshot, spec.md §4.2's cluster_info().
func (m *Manager) ClusterInfo() types.ClusterView {
	members := m.gossiper.Members()
	leaderID, haveLeader := m.Leader()

	view := types.ClusterView{
		Term:         m.currentTerm(),
		LeaderNodeID: leaderID,
		Members:      members,
		ClusterSize:  m.cfg.ClusterSize,
	}

	m.mu.RLock()
	stale := m.stale
	m.mu.RUnlock()
	view.Stale = stale

	switch {
	case m.splitBrain.Suspect():
		view.State = types.ClusterSplitBrain
	case !view.QuorumPresent():
		view.State = types.ClusterDegraded
	case haveLeader:
		view.State = types.ClusterStable
	default:
		view.State = types.ClusterForming
	}
	return view
}

// HasQuorum reports whether the known member count satisfies quorum for the
// configured cluster size (spec.md §4.2's "Split-brain and quorum").
func (m *Manager) HasQuorum() bool {
	return m.ClusterInfo().QuorumPresent()
}

// OnTopologyChange registers an observer invoked whenever the local
// ClusterView may have changed: gossip merges, leadership transitions, and
// quorum-state flips.
func (m *Manager) OnTopologyChange(handler func(types.ClusterView)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, handler)
	m.mu.Unlock()
}

func (m *Manager) handleTopologyChange() {
	view := m.ClusterInfo()
	m.mu.RLock()
	subs := append([]func(types.ClusterView){}, m.subscribers...)
	m.mu.RUnlock()
	for _, s := range subs {
		s(view)
	}
	m.reportMetrics(view)
}

func (m *Manager) reportMetrics(view types.ClusterView) {
	metrics.ClusterTerm.Set(float64(view.Term))
	if m.IsLeader() {
		metrics.ClusterIsLeader.Set(1)
	} else {
		metrics.ClusterIsLeader.Set(0)
	}
	if view.QuorumPresent() {
		metrics.ClusterQuorumPresent.Set(1)
	} else {
		metrics.ClusterQuorumPresent.Set(0)
	}
	counts := map[types.NodeState]int{}
	for _, n := range view.Members {
		counts[n.State]++
	}
	for state, n := range counts {
		metrics.ClusterMembersTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

// Propose applies op/data through the Raft log. It fails fast with
// NO_QUORUM if this node is not leader or quorum is not present, matching
// spec.md §4.2's write-acceptance rule, and with TIMEOUT if ctx's deadline
// is exceeded before the entry commits.
func (m *Manager) Propose(ctx context.Context, op string, data []byte) (interface{}, error) {
	if !m.IsLeader() {
		return nil, types.NewError(types.KindNoQuorum, true, "cluster: not leader", nil)
	}
	if !m.HasQuorum() {
		return nil, types.NewError(types.KindNoQuorum, true, "cluster: quorum not present", nil)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, types.NewError(types.KindTimeout, true, "cluster: propose deadline already passed", nil)
		}
	}

	payload, err := marshalCommand(op, data)
	if err != nil {
		return nil, err
	}

	future := m.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrLeadershipLost || err == raft.ErrNotLeader {
			return nil, types.Wrapf(types.KindNoQuorum, true, err, "cluster: propose %s", op)
		}
		return nil, types.Wrapf(types.KindTimeout, true, err, "cluster: propose %s", op)
	}

	resp := future.Response()
	if respErr, ok := resp.(error); ok {
		return nil, respErr
	}
	return resp, nil
}

func marshalCommand(op string, data []byte) ([]byte, error) {
	cmd := Command{Op: op, Data: data}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("cluster: marshal command %s: %w", op, err)
	}
	return payload, nil
}
