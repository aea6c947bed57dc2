package statemgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/ha/cluster"
	"github.com/cuemby/beacon/pkg/ha/replication"
	"github.com/cuemby/beacon/pkg/ha/repository"
	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/rs/zerolog"
)

const readOp = "statemgr.read"

// TxnOp kinds accepted by Transaction.
const (
	TxnSet    = "set"
	TxnDelete = "delete"
	TxnCAS    = "cas"
)

// TxnOp is one operation within a Transaction batch (spec.md §4.5).
type TxnOp struct {
	Kind            string `json:"kind"`
	Key             string `json:"key"`
	Value           []byte `json:"value,omitempty"`
	ExpectedVersion uint64 `json:"expected_version,omitempty"`
}

// command is the wire shape replicated through the Raft log for every
// mutating operation.
type command struct {
	Kind            string        `json:"kind"`
	Key             string        `json:"key,omitempty"`
	Value           []byte        `json:"value,omitempty"`
	TTL             time.Duration `json:"ttl,omitempty"`
	ExpectedVersion uint64        `json:"expected_version,omitempty"`
	ResourceKey     string        `json:"resource_key,omitempty"`
	HolderNodeID    types.NodeId  `json:"holder_node_id,omitempty"`
	LockID          uint64        `json:"lock_id,omitempty"`
	AdditionalTTL   time.Duration `json:"additional_ttl,omitempty"`
	Ops             []TxnOp       `json:"ops,omitempty"`
}

type readCommand struct {
	Key string `json:"key"`
}

type setResult struct {
	Version uint64
}

type deleteResult struct {
	Existed bool
}

type casResult struct {
	Success bool
	Version uint64
}

type lockResult struct {
	Granted   bool
	Preempted bool
	Lock      types.Lock
}

type releaseResult struct {
	Released bool
}

type extendResult struct {
	TTLExpiresAt time.Time
}

type txnResult struct {
	Success  bool
	Versions map[string]uint64
}

type readResult struct {
	Entry types.StateEntry
	Found bool
}

// Config configures a Manager.
type Config struct {
	Self       types.NodeId
	ClusterID  transport.ClusterID
	Cluster    *cluster.Manager
	Repository repository.Repository
	Clock      types.Clock
	EventBroker *events.Broker

	// TombstoneRetention bounds how long a deleted key's tombstone is kept
	// before garbage collection, spec.md §4.5. Defaults to 1h, an Open
	// Question decision recorded in the grounding ledger: the source
	// material never names a default.
	TombstoneRetention time.Duration
	GCInterval         time.Duration
}

func (c *Config) setDefaults() {
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = time.Hour
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Minute
	}
}

// Manager is DistributedStateManager (spec.md §4.5): a cluster-wide
// key/value map plus compare-and-swap, fenced TTL locks, and mini
// transactions, all committed through the cluster's Raft log.
type Manager struct {
	cfg     Config
	self    types.NodeId
	clock   types.Clock
	cluster *cluster.Manager
	events  *events.Broker
	logger  zerolog.Logger
	repl    *replication.Manager

	// writeMu serializes the decide-then-propose sequence for every mutating
	// operation on this node. It is not needed for correctness of the final
	// committed state (Raft's own Apply ordering and the single-threaded FSM
	// dispatch already serialize that); it exists so that two concurrent
	// callers on the same leader don't both read a stale pre-commit view
	// before either of their commands lands, which would let two callers
	// both observe the same "current version" for a compare_and_swap or
	// both believe a free lock is theirs to take.
	writeMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]types.StateEntry
	locks   map[string]types.Lock
	lockSeq map[string]uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager and wires it to cfg.Cluster's Raft log via
// a dedicated, forced-MASTER_SLAVE replication.Manager scoped to data_type
// "state" (pkg/ha/statemgr's package doc).
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Self == "" {
		return nil, types.NewError(types.KindConfiguration, false, "statemgr: node id is required", nil)
	}
	if cfg.Cluster == nil {
		return nil, types.NewError(types.KindConfiguration, false, "statemgr: cluster manager is required", nil)
	}
	cfg.setDefaults()

	m := &Manager{
		cfg:     cfg,
		self:    cfg.Self,
		clock:   cfg.Clock,
		cluster: cfg.Cluster,
		events:  cfg.EventBroker,
		logger:  log.WithComponent("statemgr").With().Str("node_id", string(cfg.Self)).Logger(),
		entries: make(map[string]types.StateEntry),
		locks:   make(map[string]types.Lock),
		lockSeq: make(map[string]uint64),
		stop:    make(chan struct{}),
	}

	m.repl = replication.NewManager(replication.Config{
		Name:             "state",
		Self:             cfg.Self,
		ClusterID:        cfg.ClusterID,
		Mode:             types.ModeMasterSlave,
		ConflictPolicy:   types.ConflictHigherVersion,
		Cluster:          cfg.Cluster,
		Repository:       cfg.Repository,
		Clock:            cfg.Clock,
		EventBroker:      cfg.EventBroker,
		NoRecordSnapshot: true,
	})
	m.repl.RegisterApplyHandler("state", m.applyCommand)

	cfg.Cluster.RegisterOp(readOp, m.applyRead)
	cfg.Cluster.RegisterSnapshot("statemgr", m.snapshotFragment, m.restoreFragment)

	return m, nil
}

// Start begins the tombstone garbage-collection loop.
func (m *Manager) Start(ctx context.Context) {
	m.repl.Start(ctx)
	m.wg.Add(1)
	go m.gcLoop()
}

// Stop halts garbage collection and the underlying replication manager.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
	m.repl.Stop()
}

func (m *Manager) gcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.collectTombstones()
		}
	}
}

func (m *Manager) collectTombstones() {
	now := m.clock.WallNow()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.Deleted && now.After(e.TTLExpiresAt) {
			delete(m.entries, k)
		}
	}
}

// Get reads key's locally known state (spec.md §4.5). Unless linearizable is
// set, the read is served from this node's own materialized view and
// carries a staleness flag when this node is not the current leader; with
// linearizable set, it is routed through the leader and answered only after
// being applied in Raft log order, matching every write's serialization
// point.
func (m *Manager) Get(ctx context.Context, key string, linearizable bool) (types.StateEntry, bool, bool, error) {
	if linearizable {
		data, err := json.Marshal(readCommand{Key: key})
		if err != nil {
			return types.StateEntry{}, false, false, err
		}
		resp, err := m.cluster.Propose(ctx, readOp, data)
		if err != nil {
			return types.StateEntry{}, false, false, err
		}
		rr, _ := resp.(readResult)
		return rr.Entry, rr.Found, false, nil
	}

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok && e.Deleted {
		ok = false
	}
	return e, ok, !m.cluster.IsLeader(), nil
}

// Set performs an unconditional write, returning the new version.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.Marshal(command{Kind: "set", Key: key, Value: value, TTL: ttl})
	if err != nil {
		return 0, err
	}
	_, result, err := m.repl.Replicate(ctx, recordIDForKey(key), "state", data, types.ConsistencyQuorum)
	if err != nil {
		return 0, err
	}
	res, _ := result.(setResult)
	return res.Version, nil
}

// Delete tombstones key; the tombstone is garbage-collected after
// TombstoneRetention.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.Marshal(command{Kind: "delete", Key: key})
	if err != nil {
		return err
	}
	_, _, err = m.repl.Replicate(ctx, recordIDForKey(key), "state", data, types.ConsistencyQuorum)
	return err
}

// CompareAndSwap atomically replaces key's value if its current version
// matches expectedVersion (0 meaning "key does not yet exist").
func (m *Manager) CompareAndSwap(ctx context.Context, key string, expectedVersion uint64, newValue []byte) (bool, uint64, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.Marshal(command{Kind: "cas", Key: key, ExpectedVersion: expectedVersion, Value: newValue})
	if err != nil {
		return false, 0, err
	}
	_, result, err := m.repl.Replicate(ctx, recordIDForKey(key), "state", data, types.ConsistencyQuorum)
	if err != nil {
		return false, 0, err
	}
	res, _ := result.(casResult)
	return res.Success, res.Version, nil
}

// AcquireLock polls for a fenced, TTL-bounded exclusive hold on resourceKey
// until granted or waitTimeout elapses. A holder that calls AcquireLock
// again on the same resourceKey before its lock expires extends the TTL
// instead of blocking (spec.md §4.5's recursive-acquisition rule).
func (m *Manager) AcquireLock(ctx context.Context, resourceKey string, ttl, waitTimeout time.Duration) (types.Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	for {
		lock, granted, err := m.tryAcquireLock(ctx, resourceKey, ttl)
		if err != nil {
			return types.Lock{}, err
		}
		if granted {
			m.publishLockEvent(events.EventLockAcquired, resourceKey, lock.LockID)
			return lock, nil
		}
		if err := m.clock.SleepUntil(ctx, m.clock.Now().Add(20*time.Millisecond)); err != nil {
			return types.Lock{}, types.NewError(types.KindTimeout, true, "statemgr: acquire_lock timed out", nil)
		}
	}
}

func (m *Manager) tryAcquireLock(ctx context.Context, resourceKey string, ttl time.Duration) (types.Lock, bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.Marshal(command{Kind: "acquire_lock", ResourceKey: resourceKey, HolderNodeID: m.self, TTL: ttl})
	if err != nil {
		return types.Lock{}, false, err
	}
	_, result, err := m.repl.Replicate(ctx, recordIDForLock(resourceKey), "state", data, types.ConsistencyQuorum)
	if err != nil {
		return types.Lock{}, false, err
	}
	res, _ := result.(lockResult)
	if res.Preempted {
		m.publishLockEvent(events.EventLockPreempted, resourceKey, res.Lock.LockID)
	}
	return res.Lock, res.Granted, nil
}

// ReleaseLock drops the hold on resourceKey if it is still held under
// lockID. It never fails the caller: a missing, expired, or preempted lock
// is treated as already released.
func (m *Manager) ReleaseLock(ctx context.Context, resourceKey string, lockID uint64) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.Marshal(command{Kind: "release_lock", ResourceKey: resourceKey, HolderNodeID: m.self, LockID: lockID})
	if err != nil {
		return
	}
	if _, _, err := m.repl.Replicate(ctx, recordIDForLock(resourceKey), "state", data, types.ConsistencyQuorum); err != nil {
		log.WithLockID(lockID).Warn().Err(err).Str("resource_key", resourceKey).Msg("statemgr: release_lock did not commit, lock will lapse via TTL")
	}
}

// ExtendLock refreshes lockID's TTL by additionalTTL. It fails with
// NOT_HOLDER if the lock has expired or been preempted since acquisition.
func (m *Manager) ExtendLock(ctx context.Context, resourceKey string, lockID uint64, additionalTTL time.Duration) (time.Time, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.Marshal(command{Kind: "extend_lock", ResourceKey: resourceKey, HolderNodeID: m.self, LockID: lockID, AdditionalTTL: additionalTTL})
	if err != nil {
		return time.Time{}, err
	}
	_, result, err := m.repl.Replicate(ctx, recordIDForLock(resourceKey), "state", data, types.ConsistencyQuorum)
	if err != nil {
		return time.Time{}, err
	}
	res, _ := result.(extendResult)
	return res.TTLExpiresAt, nil
}

// Transaction executes ops atomically: every CAS precondition is checked
// against the state as of the same Raft log entry, and either every
// operation applies or none do.
func (m *Manager) Transaction(ctx context.Context, ops []TxnOp) (map[string]uint64, bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	data, err := json.Marshal(command{Kind: "txn", Ops: ops})
	if err != nil {
		return nil, false, err
	}
	_, result, err := m.repl.Replicate(ctx, "state/txn", "state", data, types.ConsistencyQuorum)
	if err != nil {
		return nil, false, err
	}
	res, _ := result.(txnResult)
	return res.Versions, res.Success, nil
}

func recordIDForKey(key string) string        { return "state/key/" + key }
func recordIDForLock(resourceKey string) string { return "state/lock/" + resourceKey }

func (m *Manager) publishLockEvent(t events.EventType, resourceKey string, lockID uint64) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:      t,
		Timestamp: m.clock.WallNow(),
		Message:   fmt.Sprintf("lock %s for %s", t, resourceKey),
		Metadata:  map[string]string{"resource_key": resourceKey, "lock_id": fmt.Sprintf("%d", lockID)},
	})
}

// applyCommand is the ApplyHandler registered for data_type "state",
// invoked once per committed command in Raft log order (§4.5's backing
// protocol). It is the single serialization point for every write.
func (m *Manager) applyCommand(record types.ReplicationRecord) (interface{}, error) {
	var cmd command
	if err := json.Unmarshal(record.Payload, &cmd); err != nil {
		return nil, fmt.Errorf("statemgr: unmarshal command: %w", err)
	}
	now := m.clock.WallNow()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Kind {
	case "set":
		return m.applySet(cmd.Key, cmd.Value, cmd.TTL, now), nil
	case "delete":
		return m.applyDelete(cmd.Key, now), nil
	case "cas":
		return m.applyCAS(cmd.Key, cmd.ExpectedVersion, cmd.Value), nil
	case "acquire_lock":
		return m.applyAcquireLock(cmd.ResourceKey, cmd.HolderNodeID, cmd.TTL, now), nil
	case "release_lock":
		return m.applyReleaseLock(cmd.ResourceKey, cmd.HolderNodeID, cmd.LockID), nil
	case "extend_lock":
		return m.applyExtendLock(cmd.ResourceKey, cmd.LockID, cmd.AdditionalTTL, now)
	case "txn":
		return m.applyTxn(cmd.Ops, now), nil
	default:
		return nil, fmt.Errorf("statemgr: unknown command kind %q", cmd.Kind)
	}
}

// applySet, applyDelete, ... assume m.mu is already held for writing.

// currentVersion returns key's version, treating a missing or tombstoned
// entry as version 0 (spec.md §4.5's "key does not exist" baseline).
func (m *Manager) currentVersion(key string) uint64 {
	cur, ok := m.entries[key]
	if !ok || cur.Deleted {
		return 0
	}
	return cur.Version
}

func (m *Manager) applySet(key string, value []byte, ttl time.Duration, now time.Time) setResult {
	version := m.currentVersion(key) + 1
	entry := types.StateEntry{Key: key, Value: value, Version: version}
	if ttl > 0 {
		entry.TTLExpiresAt = now.Add(ttl)
	}
	m.entries[key] = entry
	return setResult{Version: version}
}

func (m *Manager) applyDelete(key string, now time.Time) deleteResult {
	cur, ok := m.entries[key]
	if !ok || cur.Deleted {
		return deleteResult{Existed: false}
	}
	m.entries[key] = types.StateEntry{
		Key:          key,
		Version:      cur.Version + 1,
		Deleted:      true,
		TTLExpiresAt: now.Add(m.cfg.TombstoneRetention),
	}
	return deleteResult{Existed: true}
}

func (m *Manager) applyCAS(key string, expectedVersion uint64, newValue []byte) casResult {
	current := m.currentVersion(key)
	if current != expectedVersion {
		return casResult{Success: false, Version: current}
	}
	version := current + 1
	m.entries[key] = types.StateEntry{Key: key, Value: newValue, Version: version}
	return casResult{Success: true, Version: version}
}

func (m *Manager) applyAcquireLock(resourceKey string, holder types.NodeId, ttl time.Duration, now time.Time) lockResult {
	existing, held := m.locks[resourceKey]
	if held && !existing.Expired(now) {
		if existing.HolderNodeID == holder {
			existing.TTLExpiresAt = now.Add(ttl)
			m.locks[resourceKey] = existing
			return lockResult{Granted: true, Lock: existing}
		}
		return lockResult{Granted: false}
	}

	next := m.lockSeq[resourceKey] + 1
	m.lockSeq[resourceKey] = next
	lock := types.Lock{ResourceKey: resourceKey, HolderNodeID: holder, LockID: next, TTLExpiresAt: now.Add(ttl)}
	m.locks[resourceKey] = lock
	return lockResult{Granted: true, Lock: lock, Preempted: held}
}

func (m *Manager) applyReleaseLock(resourceKey string, holder types.NodeId, lockID uint64) releaseResult {
	existing, held := m.locks[resourceKey]
	if !held || existing.LockID != lockID || existing.HolderNodeID != holder {
		return releaseResult{Released: false}
	}
	delete(m.locks, resourceKey)
	return releaseResult{Released: true}
}

func (m *Manager) applyExtendLock(resourceKey string, lockID uint64, additionalTTL time.Duration, now time.Time) (extendResult, error) {
	existing, held := m.locks[resourceKey]
	if !held || existing.LockID != lockID || existing.Expired(now) {
		return extendResult{}, types.NewError(types.KindNotHolder, false, "statemgr: lock is no longer held under this lock_id", nil)
	}
	existing.TTLExpiresAt = existing.TTLExpiresAt.Add(additionalTTL)
	m.locks[resourceKey] = existing
	return extendResult{TTLExpiresAt: existing.TTLExpiresAt}, nil
}

func (m *Manager) applyTxn(ops []TxnOp, now time.Time) txnResult {
	for _, op := range ops {
		if op.Kind != TxnCAS {
			continue
		}
		if m.currentVersion(op.Key) != op.ExpectedVersion {
			return txnResult{Success: false}
		}
	}

	versions := make(map[string]uint64, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case TxnSet, TxnCAS:
			versions[op.Key] = m.applySet(op.Key, op.Value, 0, now).Version
		case TxnDelete:
			m.applyDelete(op.Key, now)
		}
	}
	return txnResult{Success: true, Versions: versions}
}

func (m *Manager) applyRead(data []byte) (interface{}, error) {
	var cmd readCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[cmd.Key]
	if ok && e.Deleted {
		ok = false
	}
	return readResult{Entry: e, Found: ok}, nil
}

type snapshotPayload struct {
	Entries map[string]types.StateEntry `json:"entries"`
	Locks   map[string]types.Lock       `json:"locks"`
	LockSeq map[string]uint64           `json:"lock_seq"`
}

func (m *Manager) snapshotFragment() (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(snapshotPayload{Entries: m.entries, Locks: m.locks, LockSeq: m.lockSeq})
}

func (m *Manager) restoreFragment(data json.RawMessage) error {
	var p snapshotPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Entries != nil {
		m.entries = p.Entries
	}
	if p.Locks != nil {
		m.locks = p.Locks
	}
	if p.LockSeq != nil {
		m.lockSeq = p.LockSeq
	}
	return nil
}
