package cluster

import (
	"context"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/hashicorp/raft"
)

// leadershipLoop watches Raft's NotifyCh for leadership transitions,
// publishing the role change onto the gossip roster (so peers and
// FailoverManager/ReplicationManager/DistributedStateManager see it without
// polling) and into the event broker.
func (m *Manager) leadershipLoop(ctx context.Context) {
	defer m.wg.Done()
	wasLeader := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case isLeader := <-m.notifyCh:
			m.gossiper.UpdateSelf(func(n *types.Node) {
				if isLeader {
					n.State = types.NodeLeader
				} else if n.State == types.NodeLeader {
					n.State = types.NodeActive
				}
			})
			term := m.currentTerm()
			m.splitBrain.recordLocalTerm(term, m.clock.Now())
			if isLeader && !wasLeader {
				metrics.ElectionsTotal.Inc()
				log.WithTerm(term).Info().Msg("node became leader")
				m.publishEvent(events.EventLeaderChanged, "node became leader")
			} else if !isLeader && wasLeader {
				log.WithTerm(term).Info().Msg("node lost leadership")
				m.publishEvent(events.EventLeaderChanged, "node lost leadership")
			}
			wasLeader = isLeader
			m.handleTopologyChange()
		}
	}
}

func (m *Manager) publishEvent(t events.EventType, msg string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:      t,
		Timestamp: m.clock.WallNow(),
		Message:   msg,
		Metadata:  map[string]string{"node_id": string(m.self)},
	})
}

// termPublishLoop periodically piggybacks this node's term history onto its
// own gossip metadata and cross-checks peers' histories for the overlapping,
// differing-term condition spec.md §4.2 calls split-brain. The partition
// with the smaller max term marks itself stale until the overlap clears.
func (m *Manager) termPublishLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		}

		term := m.currentTerm()
		if term > 0 {
			m.splitBrain.recordLocalTerm(term, m.clock.Now())
		}
		encoded := m.splitBrain.encodeLocal()
		m.gossiper.UpdateSelf(func(n *types.Node) {
			if n.Metadata == nil {
				n.Metadata = map[string]string{}
			}
			n.Metadata["term_history"] = encoded
			n.Metadata["raft_addr"] = string(m.cfg.RaftStores.Transport.LocalAddr())
		})

		staleNow := false
		anySplit := false
		for _, peer := range m.gossiper.Members() {
			if peer.NodeID == m.self {
				continue
			}
			split, rollBack := m.splitBrain.observeRemote(peer.NodeID, peer.Metadata["term_history"])
			if split {
				anySplit = true
			}
			if rollBack {
				staleNow = true
			}
		}
		m.mu.Lock()
		m.stale = staleNow
		m.mu.Unlock()
		if !anySplit {
			m.splitBrain.Reset()
		}
	}
}

// voterReconcileLoop lets the current leader keep the Raft voter set in
// sync with gossip membership: newly ACTIVE gossip members are added as
// voters, and gossip members observed UNREACHABLE are removed, without
// requiring a separate cluster-admin RPC.
func (m *Manager) voterReconcileLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.VoterReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		}
		if m.IsLeader() {
			m.reconcileVoters()
			m.considerPriorityTransfer()
		}
	}
}

func (m *Manager) reconcileVoters() {
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return
	}
	configured := make(map[raft.ServerID]bool, len(future.Configuration().Servers))
	for _, s := range future.Configuration().Servers {
		configured[s.ID] = true
	}

	for _, n := range m.gossiper.Members() {
		id := raft.ServerID(n.NodeID)
		addr := raft.ServerAddress(n.Metadata["raft_addr"])
		if addr == "" {
			continue
		}
		switch n.State {
		case types.NodeActive, types.NodeLeader, types.NodeJoining:
			if !configured[id] {
				_ = m.raft.AddVoter(id, addr, 0, m.cfg.VoterReconcileInterval).Error()
			}
		case types.NodeUnreachable, types.NodeLeaving:
			if configured[id] {
				_ = m.raft.RemoveServer(id, 0, m.cfg.VoterReconcileInterval).Error()
			}
		}
	}
}

// considerPriorityTransfer implements spec.md §4.2's priority-aware tie
// break on top of real Raft elections: hashicorp/raft's vote-granting is
// internal to the library and can't be parameterized by candidate_priority
// at election time, so this takes whatever leader Raft picks and, once a
// healthy higher-priority peer has held that position continuously for at
// least PriorityWait (gated via m.priority, not fired on the first sighting),
// transfers leadership to it. See DESIGN.md's "Priority-aware leader
// election" entry for why this means term==1 in spec.md's Scenario A only
// holds when Raft happens to elect the highest-priority node on the first
// ballot; any node otherwise ineligible for the gavel still converges onto
// it, just one term later.
func (m *Manager) considerPriorityTransfer() {
	self, ok := m.gossiper.Self()
	if !ok {
		return
	}
	var best types.Node
	found := false
	for _, n := range m.gossiper.Members() {
		if n.NodeID == m.self || n.State != types.NodeActive || n.FailoverIneligible() {
			continue
		}
		if n.Priority > self.Priority || (n.Priority == self.Priority && n.NodeID < self.NodeID) {
			if !found || n.Priority > best.Priority {
				best = n
				found = true
			}
		}
	}
	if !found {
		m.priority.clearExcept("")
		return
	}
	m.priority.clearExcept(best.NodeID)
	if held := m.priority.observe(best.NodeID, m.clock.Now()); held < m.cfg.PriorityWait {
		return
	}

	addr := raft.ServerAddress(best.Metadata["raft_addr"])
	if addr == "" {
		return
	}
	if err := m.raft.LeadershipTransferToServer(raft.ServerID(best.NodeID), addr).Error(); err != nil {
		log.WithTerm(m.currentTerm()).Warn().Err(err).Str("target", string(best.NodeID)).Msg("priority leadership transfer failed")
	}
}
