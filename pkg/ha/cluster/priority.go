package cluster

import (
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/ha/types"
)

// priorityTracker implements the elapsed-time half of spec.md §4.2's
// priority tie-break: a candidate only qualifies for a leadership transfer
// once it has been continuously visible as the best eligible peer for at
// least PriorityWait, so a peer that flaps in and out of ACTIVE (or whose
// priority briefly looks better mid-gossip-convergence) can't trigger a
// transfer storm.
type priorityTracker struct {
	mu      sync.Mutex
	sinceBy map[types.NodeId]time.Time
}

func newPriorityTracker() *priorityTracker {
	return &priorityTracker{sinceBy: make(map[types.NodeId]time.Time)}
}

// observe records id as the current best candidate as of now, returning how
// long it has held that position continuously. The first observation of a
// given id returns 0.
func (p *priorityTracker) observe(id types.NodeId, now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	since, ok := p.sinceBy[id]
	if !ok {
		p.sinceBy[id] = now
		return 0
	}
	return now.Sub(since)
}

// clearExcept drops tracked state for every candidate other than keep, so a
// node that stops being the best candidate (it went unreachable, a better
// one appeared, or it lost eligibility) has to wait out PriorityWait again
// if it later reclaims the position.
func (p *priorityTracker) clearExcept(keep types.NodeId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.sinceBy {
		if id != keep {
			delete(p.sinceBy, id)
		}
	}
}
