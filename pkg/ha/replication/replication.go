package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/ha/cluster"
	"github.com/cuemby/beacon/pkg/ha/repository"
	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// ApplyHandler is invoked on each replica when a record of its data_type is
// delivered. Must be idempotent keyed by (record_id, version_vector). The
// returned value, if any, is surfaced back to whichever goroutine called
// Replicate on the node that committed the entry (statemgr uses this to
// learn a compare-and-swap's outcome without a second round trip).
type ApplyHandler func(record types.ReplicationRecord) (interface{}, error)

// CustomResolver merges two conflicting versions of the same record_id for
// ConflictCustom-policy data types, returning the merged record to adopt.
type CustomResolver func(a, b types.ReplicationRecord) (types.ReplicationRecord, error)

// Config configures a Manager.
type Config struct {
	// Name distinguishes this Manager's Raft op/snapshot registration from
	// any other replication.Manager sharing the same cluster.Manager (e.g.
	// DistributedStateManager runs its own instance scoped to data_type
	// "state" alongside a general-purpose one for task/download events).
	// Defaults to "default".
	Name            string
	Self            types.NodeId
	ClusterID       transport.ClusterID
	Mode            types.ReplicationMode
	ConflictPolicy  types.ConflictPolicy
	Cluster         *cluster.Manager
	Repository      repository.Repository
	Transport       transport.Transport
	Clock           types.Clock
	EventBroker     *events.Broker

	// NoRecordSnapshot skips registering the generic per-record audit
	// snapshot ("replication.<name>"). A caller that keeps its own
	// authoritative materialized state (DistributedStateManager, whose
	// commands like compare_and_swap are deltas relative to prior state
	// rather than absolute values) sets this and registers its own snapshot
	// directly with Cluster, since replaying a compacted one-record-per-key
	// delta history during Restore would double-apply version bumps.
	NoRecordSnapshot bool

	DialTimeout         time.Duration
	QueueDepth          int
	MaxRetries          int
	MaxCatchupWindow    time.Duration
	BackpressureTimeout time.Duration

	// ShipmentRateLimit caps outbound shipments per destination, in records
	// per second; 0 means unlimited. Paired with ShipmentBurst, this is the
	// queue-level backpressure spec.md §5 calls for beyond the per-queue
	// depth bound, so a destination recovering from a backlog doesn't get
	// hit with every queued record at once.
	ShipmentRateLimit float64
	ShipmentBurst     int
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.MaxCatchupWindow <= 0 {
		c.MaxCatchupWindow = 30 * time.Second
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = 2 * time.Second
	}
	if c.ShipmentRateLimit > 0 && c.ShipmentBurst <= 0 {
		c.ShipmentBurst = 1
	}
}

// Manager is ReplicationManager (spec.md §4.4).
type Manager struct {
	cfg       Config
	self      types.NodeId
	clusterID transport.ClusterID
	clock     types.Clock
	logger    zerolog.Logger
	events    *events.Broker
	repo      repository.Repository
	transport transport.Transport
	cluster   *cluster.Manager

	mu             sync.RWMutex
	applyHandlers  map[string]ApplyHandler
	customResolve  map[string]CustomResolver
	records        map[string]types.ReplicationRecord
	localCounter   uint64
	destinations   map[types.NodeId]*destQueue

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager. Start must be called to begin serving
// inbound shipment connections and draining per-destination queues.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:           cfg,
		self:          cfg.Self,
		clusterID:     cfg.ClusterID,
		clock:         cfg.Clock,
		logger:        log.WithComponent("replication").With().Str("node_id", string(cfg.Self)).Logger(),
		events:        cfg.EventBroker,
		repo:          cfg.Repository,
		transport:     cfg.Transport,
		cluster:       cfg.Cluster,
		applyHandlers: make(map[string]ApplyHandler),
		customResolve: make(map[string]CustomResolver),
		records:       make(map[string]types.ReplicationRecord),
		destinations:  make(map[types.NodeId]*destQueue),
		stop:          make(chan struct{}),
	}
	if m.cluster != nil {
		m.cluster.RegisterOp(m.raftApplyOp(), m.applyFromLog)
		if !cfg.NoRecordSnapshot {
			m.cluster.RegisterSnapshot("replication."+cfg.Name, m.snapshotFragment, m.restoreFragment)
		}
	}
	// Snapshot catch-up payloads are compressed: a node rejoining after a
	// long partition can be handed a full data_type snapshot that is mostly
	// repeated keys/structure, and zstd's dictionary-free mode still wins
	// big there. Errors from NewWriter/NewReader only happen on invalid
	// options, never at runtime, so a failure here is a programming error.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("replication: zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("replication: zstd decoder: %v", err))
	}
	m.zstdEnc = enc
	m.zstdDec = dec
	return m
}

func (m *Manager) raftApplyOp() string {
	return "replication.apply." + m.cfg.Name
}

// RegisterApplyHandler wires dataType's delivery callback, spec.md §4.4's
// register_apply_handler.
func (m *Manager) RegisterApplyHandler(dataType string, handler ApplyHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyHandlers[dataType] = handler
}

// RegisterCustomResolver wires a CUSTOM conflict-resolution callback for
// dataType.
func (m *Manager) RegisterCustomResolver(dataType string, resolver CustomResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customResolve[dataType] = resolver
}

// Start begins serving inbound shipment connections. Destination queues are
// created lazily as peers become known via SetDestinations.
func (m *Manager) Start(ctx context.Context) {
	if m.transport == nil {
		return
	}
	m.wg.Add(1)
	go m.acceptLoop(ctx)
}

// Stop halts every destination sender and the accept loop.
func (m *Manager) Stop() {
	close(m.stop)
	m.mu.Lock()
	for _, d := range m.destinations {
		d.stop()
	}
	m.mu.Unlock()
	if m.transport != nil {
		_ = m.transport.Close()
	}
	m.wg.Wait()
	m.zstdEnc.Close()
	m.zstdDec.Close()
}

// SetDestinations declares the current set of replica addresses this node
// ships to (multi-master mode, or a master-slave primary's view of its
// secondaries). No caller in this module invokes it, so destinations stay
// as last set.
func (m *Manager) SetDestinations(nodes []types.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[types.NodeId]bool, len(nodes))
	for _, n := range nodes {
		if n.NodeID == m.self {
			continue
		}
		seen[n.NodeID] = true
		if _, ok := m.destinations[n.NodeID]; !ok {
			d := newDestQueue(m, n.NodeID, n.Address)
			m.destinations[n.NodeID] = d
			d.start()
		}
	}
	for id, d := range m.destinations {
		if !seen[id] {
			d.stop()
			delete(m.destinations, id)
		}
	}
}

// Replicate submits a record for replication (spec.md §4.4). It returns
// once the record is locally durable and queued for shipment; for
// STRONG/QUORUM it additionally waits for the acknowledgment threshold. The
// third return value is whatever the data type's ApplyHandler returned when
// this record was actually applied.
func (m *Manager) Replicate(ctx context.Context, recordID, dataType string, payload []byte, consistency types.ConsistencyLevel) (types.ReplicationRecord, interface{}, error) {
	m.mu.Lock()
	m.localCounter++
	counter := m.localCounter
	existing, hadExisting := m.records[recordID]
	m.mu.Unlock()

	vv := types.VersionVector{m.self: counter}
	if hadExisting {
		vv = existing.VersionVector.Merge(vv)
	}

	record := types.ReplicationRecord{
		RecordID:        recordID,
		DataType:        dataType,
		Payload:         payload,
		VersionVector:   vv,
		OriginNodeID:    m.self,
		OriginCounter:   counter,
		OriginWallClock: m.clock.WallNow(),
	}

	if m.cfg.Mode == types.ModeMasterSlave {
		// No eager local apply here: the single writer is the Raft leader, and
		// the write only becomes visible once it is committed through
		// applyFromLog, on the leader exactly like on every follower. That
		// keeps a rejected proposal (no quorum, leadership lost mid-flight)
		// from ever being observed locally.
		result, err := m.replicateMasterSlave(ctx, record, consistency)
		return record, result, err
	}

	result, err := m.applyLocal(record)
	if err != nil {
		return types.ReplicationRecord{}, nil, err
	}
	m.persist(ctx, record)
	return record, result, m.replicateMultiMaster(ctx, record, consistency)
}

func (m *Manager) replicateMasterSlave(ctx context.Context, record types.ReplicationRecord, consistency types.ConsistencyLevel) (interface{}, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("replication: marshal record: %w", err)
	}
	return m.cluster.Propose(ctx, m.raftApplyOp(), data)
}

func (m *Manager) replicateMultiMaster(ctx context.Context, record types.ReplicationRecord, consistency types.ConsistencyLevel) error {
	acked, destCount := m.enqueueAll(record)
	if consistency == types.ConsistencyEventual {
		return nil
	}

	required := destCount
	if m.cluster != nil {
		view := m.cluster.ClusterInfo()
		if consistency == types.ConsistencyQuorum {
			required = view.Quorum() - 1 // this node's local durability already counts as one ack
		} else {
			required = len(view.Members) - 1
		}
	}
	if required <= 0 {
		return nil
	}

	deadline := m.cfg.BackpressureTimeout
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	acks := 0
	for acks < required {
		select {
		case <-acked:
			acks++
		case <-timer.C:
			return types.NewError(types.KindTimeout, true, "replication: quorum ack timeout", nil)
		case <-ctx.Done():
			return types.Wrapf(types.KindTimeout, true, ctx.Err(), "replication: replicate %s", record.RecordID)
		}
	}
	return nil
}

// enqueueAll queues record on every destination's FIFO and returns a channel
// that receives one value per successful delivery ack, for callers that
// need to count them toward a consistency threshold.
func (m *Manager) enqueueAll(record types.ReplicationRecord) (chan struct{}, int) {
	m.mu.RLock()
	dests := make([]*destQueue, 0, len(m.destinations))
	for _, d := range m.destinations {
		dests = append(dests, d)
	}
	m.mu.RUnlock()

	acked := make(chan struct{}, len(dests))
	for _, d := range dests {
		d.enqueue(record, acked)
	}
	return acked, len(dests)
}

// applyFromLog is the Raft op handler for MASTER_SLAVE replication,
// registered with cluster.Manager as raftApplyOp. Raft guarantees Apply
// calls for a given FSM run strictly one at a time in log order, on the
// leader and every follower alike, which is what lets applyLocal's
// handlers (e.g. statemgr's CAS) treat this as their single point of
// serialization.
func (m *Manager) applyFromLog(data []byte) (interface{}, error) {
	var record types.ReplicationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("replication: unmarshal committed record: %w", err)
	}
	result, err := m.applyLocal(record)
	if err != nil {
		return nil, err
	}
	m.persist(context.Background(), record)
	return result, nil
}

// applyLocal resolves record against the locally known version for its
// record_id (conflict detection + resolution, spec.md §4.4) and, if the
// resolved record is new information, invokes the registered apply
// handler. Applying the same record twice is a no-op, the idempotence
// property spec.md §8 requires.
func (m *Manager) applyLocal(record types.ReplicationRecord) (interface{}, error) {
	m.mu.Lock()
	current, hadExisting := m.records[record.RecordID]
	resolved := record
	conflicted := false
	if hadExisting {
		if current.VersionVector.Comparable(record.VersionVector) {
			if m.dominates(current.VersionVector, record.VersionVector) {
				m.mu.Unlock()
				return nil, nil // stale/duplicate delivery
			}
		} else {
			conflicted = true
			var err error
			resolved, err = m.resolveConflict(current, record)
			if err != nil {
				m.mu.Unlock()
				return nil, err
			}
		}
	}
	m.records[record.RecordID] = resolved
	handler := m.applyHandlers[resolved.DataType]
	m.mu.Unlock()

	if conflicted {
		metrics.ReplicationConflictsTotal.WithLabelValues(resolved.DataType).Inc()
		m.publishConflict(resolved)
	}
	if handler == nil {
		return nil, nil
	}
	return handler(resolved)
}

func (m *Manager) dominates(a, b types.VersionVector) bool {
	for k, v := range b {
		if a[k] < v {
			return false
		}
	}
	return true
}

func (m *Manager) resolveConflict(a, b types.ReplicationRecord) (types.ReplicationRecord, error) {
	switch m.cfg.ConflictPolicy {
	case types.ConflictHigherVersion:
		merged := a
		merged.VersionVector = a.VersionVector.Merge(b.VersionVector)
		if string(a.Payload) != string(b.Payload) {
			m.logger.Warn().Str("record_id", a.RecordID).Msg("replication: HIGHER_VERSION conflict with divergent payloads")
		}
		if b.OriginWallClock.After(a.OriginWallClock) {
			merged.Payload = b.Payload
			merged.OriginNodeID = b.OriginNodeID
			merged.OriginWallClock = b.OriginWallClock
		}
		return merged, nil
	case types.ConflictCustom:
		m.mu.RLock()
		resolver, ok := m.customResolve[a.DataType]
		m.mu.RUnlock()
		if !ok {
			return types.ReplicationRecord{}, types.NewError(types.KindConfiguration, false,
				"replication: no CUSTOM resolver registered for data type "+a.DataType, nil)
		}
		return resolver(a, b)
	default: // LAST_WRITE_WINS
		winner := a
		if b.OriginWallClock.After(a.OriginWallClock) ||
			(b.OriginWallClock.Equal(a.OriginWallClock) && b.OriginNodeID > a.OriginNodeID) {
			winner = b
		}
		winner.VersionVector = a.VersionVector.Merge(b.VersionVector)
		return winner, nil
	}
}

func (m *Manager) publishConflict(record types.ReplicationRecord) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:      events.EventReplicationConflict,
		Timestamp: m.clock.WallNow(),
		Message:   "replication conflict resolved for " + record.RecordID,
		Metadata:  map[string]string{"record_id": record.RecordID, "data_type": record.DataType},
	})
}

func (m *Manager) persist(ctx context.Context, record types.ReplicationRecord) {
	if m.repo == nil {
		return
	}
	value, err := json.Marshal(record)
	if err != nil {
		return
	}
	family := fmt.Sprintf("ha_snapshots/%s/%s", record.DataType, record.OriginNodeID)
	id := fmt.Sprintf("%d", record.OriginCounter)
	if err := m.repo.Upsert(ctx, family, repository.Document{ID: id, Value: value}); err != nil {
		m.logger.Warn().Err(err).Str("record_id", record.RecordID).Msg("replication: persist failed")
	}
}

// Status returns {mode, per_node: {lag_seconds, sync_state}}, spec.md
// §4.4's status().
func (m *Manager) Status() types.ReplicationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := types.ReplicationStatus{Mode: m.cfg.Mode}
	for id, d := range m.destinations {
		lag, state := d.status(m.clock.WallNow())
		out.PerNode = append(out.PerNode, types.ReplicationNodeStatus{
			NodeID:     id,
			LagSeconds: lag,
			SyncState:  state,
		})
		metrics.ReplicationLagSeconds.WithLabelValues(string(id)).Set(lag)
	}
	return out
}

func (m *Manager) snapshotFragment() (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.records)
}

func (m *Manager) restoreFragment(data json.RawMessage) error {
	var records map[string]types.ReplicationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = records
	m.mu.Unlock()
	for _, r := range records {
		m.mu.RLock()
		handler := m.applyHandlers[r.DataType]
		m.mu.RUnlock()
		if handler != nil {
			_, _ = handler(r)
		}
	}
	return nil
}
