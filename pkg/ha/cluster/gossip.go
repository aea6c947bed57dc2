package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/rs/zerolog"
)

// gossipPayload is the JSON body carried inside a transport.Frame whose
// Type is one of the gossip message kinds below. Adapted from the teacher
// corpus's UDP gossip.GossipMessage envelope (scttfrdmn-objectfs's
// internal/distributed/gossip.go), but riding pkg/ha/transport's framed TCP
// connections instead of raw UDP datagrams.
type gossipPayload struct {
	Node  types.Node   `json:"node,omitempty"`
	Nodes []types.Node `json:"nodes,omitempty"`
}

// suspicion tracks pending doubt about one node. A node leaves suspect
// state either by refuting (its own higher-incarnation ALIVE record
// arrives) or by timing out into NodeUnreachable.
type suspicion struct {
	incarnation uint32
	deadline    time.Time
}

// Gossiper runs the SWIM-inspired anti-entropy membership protocol
// described in pkg/ha/cluster's package doc: every gossip_interval it
// exchanges a full roster snapshot with a random peer subset, and refutes
// suspicion about itself by bumping its own incarnation and rebroadcasting.
type Gossiper struct {
	clusterID transport.ClusterID
	self      types.NodeId
	transport transport.Transport
	roster    *roster
	clock     types.Clock
	logger    zerolog.Logger

	interval time.Duration
	fanout   int
	timeout  time.Duration

	suspectTimeout time.Duration
	deadTimeout    time.Duration

	mu          sync.Mutex
	incarnation uint32
	suspicions  map[types.NodeId]*suspicion
	rng         *rand.Rand

	onChange func()

	stop chan struct{}
	wg   sync.WaitGroup
}

// GossipConfig configures a Gossiper. Zero values fall back to spec.md §6's
// defaults (gossip_interval 1s).
type GossipConfig struct {
	ClusterID      transport.ClusterID
	Self           types.Node
	Transport      transport.Transport
	Clock          types.Clock
	Interval       time.Duration
	Fanout         int
	DialTimeout    time.Duration
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration
	// OnChange is invoked (off the lock) whenever a gossip merge changes the
	// local roster, so ClusterManager can recompute its ClusterView.
	OnChange func()
}

// NewGossiper constructs a Gossiper seeded with just the local node.
func NewGossiper(cfg GossipConfig) *Gossiper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.SuspectTimeout <= 0 {
		cfg.SuspectTimeout = 5 * time.Second
	}
	if cfg.DeadTimeout <= 0 {
		cfg.DeadTimeout = 15 * time.Second
	}

	g := &Gossiper{
		clusterID:      cfg.ClusterID,
		self:           cfg.Self.NodeID,
		transport:      cfg.Transport,
		roster:         newRoster(),
		clock:          cfg.Clock,
		logger:         log.WithComponent("cluster.gossip").With().Str("node_id", string(cfg.Self.NodeID)).Logger(),
		interval:       cfg.Interval,
		fanout:         cfg.Fanout,
		timeout:        cfg.DialTimeout,
		suspectTimeout: cfg.SuspectTimeout,
		deadTimeout:    cfg.DeadTimeout,
		incarnation:    cfg.Self.Incarnation,
		suspicions:     make(map[types.NodeId]*suspicion),
		rng:            rand.New(rand.NewSource(cfg.Clock.Now().UnixNano())),
		onChange:       cfg.OnChange,
		stop:           make(chan struct{}),
	}
	cfg.Self.Incarnation = g.incarnation
	g.roster.put(cfg.Self)
	return g
}

// Members returns a snapshot of the current roster, self included.
func (g *Gossiper) Members() []types.Node {
	return g.roster.snapshot()
}

// Self returns the local node's own roster entry.
func (g *Gossiper) Self() (types.Node, bool) {
	return g.roster.get(g.self)
}

// Start begins the accept loop and the periodic gossip/suspicion loops. It
// returns once the accept listener is serving; background loops run in
// goroutines owned by Stop.
func (g *Gossiper) Start(ctx context.Context) {
	g.wg.Add(3)
	go g.acceptLoop(ctx)
	go g.gossipLoop(ctx)
	go g.suspicionLoop(ctx)
}

// Stop halts every background loop and closes the transport.
func (g *Gossiper) Stop() {
	close(g.stop)
	_ = g.transport.Close()
	g.wg.Wait()
}

// Join contacts seed addresses in turn until one accepts a MsgJoin,
// merging the full roster it returns.
func (g *Gossiper) Join(ctx context.Context, seeds []string) error {
	self, _ := g.roster.get(g.self)
	var lastErr error
	for _, addr := range seeds {
		if err := g.sendJoin(ctx, addr, self); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("gossip: no seeds provided")
	}
	return types.Wrapf(types.KindNoSeedReachable, true, lastErr, "gossip: join via %d seeds", len(seeds))
}

func (g *Gossiper) sendJoin(ctx context.Context, addr string, self types.Node) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	conn, err := g.transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(gossipPayload{Node: self})
	if err != nil {
		return err
	}
	if err := conn.Send(transport.Frame{
		ClusterID:    g.clusterID,
		SenderNodeID: g.self,
		Type:         transport.MsgJoin,
		Payload:      payload,
	}); err != nil {
		return err
	}

	resp, err := conn.Recv()
	if err != nil {
		return err
	}
	if resp.Type != transport.MsgJoinAck {
		return fmt.Errorf("gossip: unexpected reply type %s to join", resp.Type)
	}
	g.handleGossipFrame(resp)
	return nil
}

// Leave announces voluntary departure and marks the local node leaving so
// the next gossip round propagates it before Stop tears down the listener.
func (g *Gossiper) Leave() {
	self, ok := g.roster.get(g.self)
	if !ok {
		return
	}
	self.State = types.NodeLeaving
	g.bumpIncarnation(&self)
	g.roster.put(self)
	g.broadcastOnce(context.Background(), transport.MsgLeave, self)
}

func (g *Gossiper) acceptLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		conn, err := g.transport.Accept()
		if err != nil {
			select {
			case <-g.stop:
				return
			default:
			}
			g.logger.Warn().Err(err).Msg("gossip accept failed")
			return
		}
		go g.serveConn(conn)
	}
}

func (g *Gossiper) serveConn(conn transport.Conn) {
	defer conn.Close()
	f, err := conn.Recv()
	if err != nil {
		return
	}

	switch f.Type {
	case transport.MsgJoin:
		var p gossipPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		g.mergeNode(p.Node)
		ack, err := json.Marshal(gossipPayload{Nodes: g.roster.snapshot()})
		if err != nil {
			return
		}
		_ = conn.Send(transport.Frame{
			ClusterID:    g.clusterID,
			SenderNodeID: g.self,
			Type:         transport.MsgJoinAck,
			Payload:      ack,
		})
	case transport.MsgGossip, transport.MsgLeave:
		g.handleGossipFrame(f)
	}
}

func (g *Gossiper) handleGossipFrame(f transport.Frame) {
	var p gossipPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		g.logger.Warn().Err(err).Msg("gossip: malformed payload")
		return
	}
	if p.Node.NodeID != "" {
		g.mergeNode(p.Node)
	}
	for _, n := range p.Nodes {
		g.mergeNode(n)
	}
	metrics.GossipMessagesTotal.WithLabelValues("in", f.Type.String()).Inc()
}

func (g *Gossiper) mergeNode(n types.Node) {
	if n.NodeID == g.self {
		// A peer reporting this node DEGRADED or UNREACHABLE at the current
		// incarnation or later is refuted: bump the incarnation and
		// rebroadcast the local record right away.
		if n.State == types.NodeUnreachable || n.State == types.NodeDegraded {
			if self, ok := g.roster.get(g.self); ok && n.Incarnation >= self.Incarnation {
				g.bumpIncarnation(&self)
				g.roster.put(self)
				g.broadcastOnce(context.Background(), transport.MsgGossip, self)
			}
		}
		return
	}
	changed := g.roster.merge(n)

	g.mu.Lock()
	if s, suspect := g.suspicions[n.NodeID]; suspect && (n.State == types.NodeUnreachable || n.Incarnation > s.incarnation) {
		delete(g.suspicions, n.NodeID)
	}
	g.mu.Unlock()

	if changed && g.onChange != nil {
		g.onChange()
	}
}

func (g *Gossiper) gossipLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-time.After(g.interval):
		}
		g.performGossip(ctx)
	}
}

func (g *Gossiper) performGossip(ctx context.Context) {
	members := g.roster.snapshot()
	peers := make([]types.Node, 0, len(members))
	for _, m := range members {
		if m.NodeID != g.self && m.State != types.NodeUnreachable {
			peers = append(peers, m)
		}
	}
	if len(peers) == 0 {
		return
	}

	g.mu.Lock()
	g.rng.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	g.mu.Unlock()

	fanout := g.fanout
	if fanout > len(peers) {
		fanout = len(peers)
	}
	for _, peer := range peers[:fanout] {
		go g.gossipTo(ctx, peer, members)
	}
}

func (g *Gossiper) gossipTo(ctx context.Context, peer types.Node, members []types.Node) {
	dialCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	conn, err := g.transport.Dial(dialCtx, peer.Address)
	if err != nil {
		g.logger.Debug().Str("peer", string(peer.NodeID)).Err(err).Msg("gossip dial failed, suspecting peer")
		g.suspect(peer.NodeID)
		return
	}
	defer conn.Close()

	payload, err := json.Marshal(gossipPayload{Nodes: members})
	if err != nil {
		return
	}
	if err := conn.Send(transport.Frame{
		ClusterID:    g.clusterID,
		SenderNodeID: g.self,
		Type:         transport.MsgGossip,
		Payload:      payload,
	}); err != nil {
		g.suspect(peer.NodeID)
		return
	}
	metrics.GossipMessagesTotal.WithLabelValues("out", transport.MsgGossip.String()).Inc()
}

func (g *Gossiper) broadcastOnce(ctx context.Context, msgType transport.MessageType, self types.Node) {
	members := g.roster.snapshot()
	payload, err := json.Marshal(gossipPayload{Node: self})
	if err != nil {
		return
	}
	for _, m := range members {
		if m.NodeID == g.self {
			continue
		}
		go func(addr string) {
			dialCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			conn, err := g.transport.Dial(dialCtx, addr)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.Send(transport.Frame{
				ClusterID:    g.clusterID,
				SenderNodeID: g.self,
				Type:         msgType,
				Payload:      payload,
			})
		}(m.Address)
	}
}

// suspect marks a peer SUSPECT (unless already suspected or already
// unreachable) and starts its suspicion timeout.
func (g *Gossiper) suspect(id types.NodeId) {
	node, ok := g.roster.get(id)
	if !ok || node.State == types.NodeUnreachable {
		return
	}

	g.mu.Lock()
	if _, already := g.suspicions[id]; already {
		g.mu.Unlock()
		return
	}
	g.suspicions[id] = &suspicion{
		incarnation: node.Incarnation,
		deadline:    g.clock.Now().Add(g.suspectTimeout),
	}
	g.mu.Unlock()

	g.logger.Info().Str("suspect", string(id)).Msg("gossip: node suspected unreachable")
}

// bumpIncarnation increments the local node's incarnation so other members
// treat it as a fresh, authoritative record, the refutation half of SWIM.
func (g *Gossiper) bumpIncarnation(self *types.Node) {
	g.mu.Lock()
	g.incarnation++
	self.Incarnation = g.incarnation
	g.mu.Unlock()
}

// RefuteSelf bumps incarnation, marks the local record ACTIVE and
// rebroadcasts it immediately instead of waiting for the next scheduled
// round. mergeNode refutes DEGRADED/UNREACHABLE reports about this node on
// its own, keeping the local state, and does not call RefuteSelf.
func (g *Gossiper) RefuteSelf(ctx context.Context) {
	self, ok := g.roster.get(g.self)
	if !ok {
		return
	}
	self.State = types.NodeActive
	g.bumpIncarnation(&self)
	g.roster.put(self)
	g.broadcastOnce(ctx, transport.MsgGossip, self)
}

// UpdateSelf replaces the local node's published State/Metadata (e.g. when
// ClusterManager learns it became leader) and bumps incarnation so the
// change propagates as authoritative.
func (g *Gossiper) UpdateSelf(mutate func(*types.Node)) {
	self, ok := g.roster.get(g.self)
	if !ok {
		return
	}
	mutate(&self)
	g.bumpIncarnation(&self)
	g.roster.put(self)
}

func (g *Gossiper) suspicionLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			g.sweepSuspicions()
		}
	}
}

func (g *Gossiper) sweepSuspicions() {
	now := g.clock.Now()

	g.mu.Lock()
	var expired []types.NodeId
	for id, s := range g.suspicions {
		if now.After(s.deadline) {
			expired = append(expired, id)
			delete(g.suspicions, id)
		}
	}
	g.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	changed := false
	for _, id := range expired {
		node, ok := g.roster.get(id)
		if !ok {
			continue
		}
		node.State = types.NodeUnreachable
		g.roster.put(node)
		changed = true
		g.logger.Warn().Str("node", string(id)).Msg("gossip: suspicion timeout, marking unreachable")
	}
	if changed && g.onChange != nil {
		g.onChange()
	}
}
