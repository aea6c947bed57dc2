package cluster

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/ha/types"
)

// termInterval is one term this node (or, via gossip metadata, a remote
// partition) believed itself STABLE under, spanning from the moment it
// learned the term to the last time it refreshed that belief.
type termInterval struct {
	Term  uint64    `json:"term"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (a termInterval) overlaps(b termInterval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

const maxTermHistory = 8

// splitBrainDetector implements spec.md §4.2's heal-time detection: two
// partitions each independently STABLE is observed as two distinct term
// histories with overlapping time ranges. Local history is appended to on
// every term change; remote history arrives piggybacked on gossip node
// metadata (see (*Manager).termPublishLoop) and is compared on each tick of
// that loop.
type splitBrainDetector struct {
	mu      sync.Mutex
	self    types.NodeId
	local   []termInterval
	remote  map[types.NodeId][]termInterval
	suspect bool
}

func newSplitBrainDetector(self types.NodeId) *splitBrainDetector {
	return &splitBrainDetector{self: self, remote: make(map[types.NodeId][]termInterval)}
}

// recordLocalTerm appends or refreshes the local node's belief that term is
// current as of now. Called on every leadership observation, not just
// transitions, so End keeps advancing while the belief holds.
func (d *splitBrainDetector) recordLocalTerm(term uint64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.local); n > 0 && d.local[n-1].Term == term {
		d.local[n-1].End = now
		return
	}
	d.local = append(d.local, termInterval{Term: term, Start: now, End: now})
	if len(d.local) > maxTermHistory {
		d.local = d.local[len(d.local)-maxTermHistory:]
	}
}

// encodeLocal serializes the local term history for gossip piggybacking.
func (d *splitBrainDetector) encodeLocal() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.local) == 0 {
		return ""
	}
	b, err := json.Marshal(d.local)
	if err != nil {
		return ""
	}
	return string(b)
}

// observeRemote ingests a peer's encoded term history and reports whether it
// now overlaps a different-term local interval, i.e. a split-brain
// condition. The peer with the smaller max term is the one that should roll
// back, per spec.md §4.2; the caller uses shouldRollBack to act on that.
func (d *splitBrainDetector) observeRemote(id types.NodeId, encoded string) (splitBrain bool, shouldRollBack bool) {
	if encoded == "" || id == d.self {
		return false, false
	}
	var history []termInterval
	if err := json.Unmarshal([]byte(encoded), &history); err != nil {
		return false, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.remote[id] = history

	localMax, remoteMax := uint64(0), uint64(0)
	for _, iv := range d.local {
		for _, riv := range history {
			if iv.Term != riv.Term && iv.overlaps(riv) {
				splitBrain = true
			}
		}
		if iv.Term > localMax {
			localMax = iv.Term
		}
	}
	for _, riv := range history {
		if riv.Term > remoteMax {
			remoteMax = riv.Term
		}
	}

	d.suspect = d.suspect || splitBrain
	shouldRollBack = splitBrain && localMax < remoteMax
	return splitBrain, shouldRollBack
}

// Suspect reports whether a split-brain condition has been observed since
// construction (sticky until explicitly cleared by Reset).
func (d *splitBrainDetector) Suspect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspect
}

// Reset clears the sticky suspect flag once the partition has healed and
// rolled back, restoring STABLE eligibility.
func (d *splitBrainDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspect = false
}
