package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Command is one entry in the replicated Raft log, mirroring the teacher's
// manager.Command envelope (pkg/manager/fsm.go): an opaque Op tag dispatched
// to a registered handler, plus its JSON-encoded Data.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// OpHandler applies one committed Command's Data to a component's own state
// and returns a value surfaced back to the Apply() caller (or an error).
// Handlers never touch cluster's internals; this is the dependency-inversion
// point described in pkg/ha/cluster's package doc so ReplicationManager and
// DistributedStateManager can ride the same Raft log without cluster
// importing either package.
type OpHandler func(data []byte) (interface{}, error)

// SnapshotHandler returns a component's own state encoded for inclusion in
// a Raft snapshot.
type SnapshotHandler func() (json.RawMessage, error)

// RestoreHandler re-applies a component's snapshot fragment on restore.
type RestoreHandler func(data json.RawMessage) error

// fsm implements raft.FSM by dispatching committed commands to handlers
// registered by ReplicationManager and DistributedStateManager, the pattern
// described in pkg/ha/cluster's package doc. It holds no domain state of its
// own.
type fsm struct {
	mu        sync.RWMutex
	handlers  map[string]OpHandler
	snapshots map[string]SnapshotHandler
	restores  map[string]RestoreHandler
}

func newFSM() *fsm {
	return &fsm{
		handlers:  make(map[string]OpHandler),
		snapshots: make(map[string]SnapshotHandler),
		restores:  make(map[string]RestoreHandler),
	}
}

// registerOp wires op to handler. Called once per op during component
// construction, before Raft starts applying entries.
func (f *fsm) registerOp(op string, handler OpHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[op] = handler
}

// registerSnapshot wires a named snapshot fragment's producer/consumer
// pair, invoked together so Restore always finds a matching Snapshot.
func (f *fsm) registerSnapshot(name string, snap SnapshotHandler, restore RestoreHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[name] = snap
	f.restores[name] = restore
}

// Apply dispatches one committed log entry to its registered handler. An
// unknown op is a programming error (a component applied before
// registering, or a version skew across nodes) and is returned as the
// Apply result rather than panicking, so the caller's future surfaces it.
func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("fsm: unmarshal command: %w", err)
	}

	f.mu.RLock()
	handler, ok := f.handlers[cmd.Op]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("fsm: no handler registered for op %q", cmd.Op)
	}

	result, err := handler(cmd.Data)
	if err != nil {
		return err
	}
	return result
}

type fsmSnapshot struct {
	fragments map[string]json.RawMessage
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	fragments := make(map[string]json.RawMessage, len(f.snapshots))
	for name, snap := range f.snapshots {
		data, err := snap()
		if err != nil {
			return nil, fmt.Errorf("fsm: snapshot %q: %w", name, err)
		}
		fragments[name] = data
	}
	return &fsmSnapshot{fragments: fragments}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var fragments map[string]json.RawMessage
	if err := json.NewDecoder(rc).Decode(&fragments); err != nil {
		return fmt.Errorf("fsm: decode snapshot: %w", err)
	}

	f.mu.RLock()
	restores := make(map[string]RestoreHandler, len(f.restores))
	for name, r := range f.restores {
		restores[name] = r
	}
	f.mu.RUnlock()

	for name, data := range fragments {
		restore, ok := restores[name]
		if !ok {
			continue
		}
		if err := restore(data); err != nil {
			return fmt.Errorf("fsm: restore %q: %w", name, err)
		}
	}
	return nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.fragments); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
