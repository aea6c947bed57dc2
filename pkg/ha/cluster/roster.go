package cluster

import (
	"sync"

	"github.com/cuemby/beacon/pkg/ha/types"
)

// roster is the guarded node table gossip reads and mutates. Readers take a
// copy (copy-on-write) so they never block a concurrent gossip merge.
type roster struct {
	mu      sync.RWMutex
	members map[types.NodeId]types.Node
}

func newRoster() *roster {
	return &roster{members: make(map[types.NodeId]types.Node)}
}

func (r *roster) snapshot() []types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Node, 0, len(r.members))
	for _, n := range r.members {
		out = append(out, n)
	}
	return out
}

func (r *roster) get(id types.NodeId) (types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.members[id]
	return n, ok
}

func (r *roster) put(n types.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[n.NodeID] = n
}

func (r *roster) remove(id types.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
}

func (r *roster) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// stateRank orders NodeState so a gossip merge can tell which of two
// records about the same node is "more alive" when incarnations tie.
func stateRank(s types.NodeState) int {
	switch s {
	case types.NodeLeader:
		return 4
	case types.NodeActive:
		return 3
	case types.NodeJoining:
		return 2
	case types.NodeDegraded:
		return 1
	case types.NodeUnreachable, types.NodeLeaving:
		return 0
	default:
		return 0
	}
}

// merge applies an incoming gossip record for one node against the local
// roster, returning true if the local view changed. Higher incarnation
// always wins; on a tie, a record further from UNREACHABLE wins, matching
// the incarnation-refutation rule in spec.md §4.2.
func (r *roster) merge(incoming types.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.members[incoming.NodeID]
	if !ok {
		r.members[incoming.NodeID] = incoming
		return true
	}
	if incoming.Incarnation > current.Incarnation {
		r.members[incoming.NodeID] = incoming
		return true
	}
	if incoming.Incarnation == current.Incarnation && stateRank(incoming.State) > stateRank(current.State) {
		r.members[incoming.NodeID] = incoming
		return true
	}
	return false
}
