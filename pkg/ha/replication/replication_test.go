package replication

import (
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, mode types.ReplicationMode, policy types.ConflictPolicy) *Manager {
	t.Helper()
	m := NewManager(Config{
		Self:           "n1",
		Mode:           mode,
		ConflictPolicy: policy,
		Clock:          types.NewManualClock(time.Now()),
	})
	t.Cleanup(m.Stop)
	return m
}

func TestApplyLocalIsIdempotent(t *testing.T) {
	m := newTestManager(t, types.ModeMultiMaster, types.ConflictLastWriteWins)

	var applied int
	m.RegisterApplyHandler("widget", func(types.ReplicationRecord) (interface{}, error) {
		applied++
		return nil, nil
	})

	record := types.ReplicationRecord{
		RecordID:      "r1",
		DataType:      "widget",
		VersionVector: types.VersionVector{"n1": 1},
		OriginNodeID:  "n1",
	}

	_, err := m.applyLocal(record)
	require.NoError(t, err)
	_, err = m.applyLocal(record)
	require.NoError(t, err)

	require.Equal(t, 1, applied, "re-delivering the same record must not re-invoke the apply handler")
}

func TestApplyLocalDropsStaleDelivery(t *testing.T) {
	m := newTestManager(t, types.ModeMultiMaster, types.ConflictLastWriteWins)

	var seen []types.VersionVector
	m.RegisterApplyHandler("widget", func(r types.ReplicationRecord) (interface{}, error) {
		seen = append(seen, r.VersionVector)
		return nil, nil
	})

	newer := types.ReplicationRecord{RecordID: "r1", DataType: "widget", VersionVector: types.VersionVector{"n1": 2}, OriginNodeID: "n1"}
	older := types.ReplicationRecord{RecordID: "r1", DataType: "widget", VersionVector: types.VersionVector{"n1": 1}, OriginNodeID: "n1"}

	_, err := m.applyLocal(newer)
	require.NoError(t, err)
	_, err = m.applyLocal(older)
	require.NoError(t, err)

	require.Len(t, seen, 1, "a delivery dominated by the current version must be dropped, not re-applied")
}

func TestResolveConflictLastWriteWinsPicksLaterWallClock(t *testing.T) {
	m := newTestManager(t, types.ModeMultiMaster, types.ConflictLastWriteWins)

	early := types.ReplicationRecord{
		RecordID: "r1", DataType: "widget", Payload: []byte("early"),
		VersionVector: types.VersionVector{"n1": 1}, OriginNodeID: "n1",
		OriginWallClock: fixedTime(t, 0),
	}
	late := types.ReplicationRecord{
		RecordID: "r1", DataType: "widget", Payload: []byte("late"),
		VersionVector: types.VersionVector{"n2": 1}, OriginNodeID: "n2",
		OriginWallClock: fixedTime(t, 1),
	}

	resolved, err := m.resolveConflict(early, late)
	require.NoError(t, err)
	require.Equal(t, []byte("late"), resolved.Payload)
	require.Equal(t, uint64(1), resolved.VersionVector["n1"])
	require.Equal(t, uint64(1), resolved.VersionVector["n2"])
}

func TestResolveConflictHigherVersionMergesVectors(t *testing.T) {
	m := newTestManager(t, types.ModeMultiMaster, types.ConflictHigherVersion)

	a := types.ReplicationRecord{
		RecordID: "r1", DataType: "widget", Payload: []byte("a"),
		VersionVector: types.VersionVector{"n1": 3}, OriginNodeID: "n1",
		OriginWallClock: fixedTime(t, 0),
	}
	b := types.ReplicationRecord{
		RecordID: "r1", DataType: "widget", Payload: []byte("b"),
		VersionVector: types.VersionVector{"n2": 5}, OriginNodeID: "n2",
		OriginWallClock: fixedTime(t, 1),
	}

	resolved, err := m.resolveConflict(a, b)
	require.NoError(t, err)
	require.Equal(t, uint64(3), resolved.VersionVector["n1"])
	require.Equal(t, uint64(5), resolved.VersionVector["n2"])
	require.Equal(t, []byte("b"), resolved.Payload, "later wall clock wins the payload under HIGHER_VERSION too")
}

func TestResolveConflictCustomRequiresRegisteredResolver(t *testing.T) {
	m := newTestManager(t, types.ModeMultiMaster, types.ConflictCustom)

	a := types.ReplicationRecord{RecordID: "r1", DataType: "widget", VersionVector: types.VersionVector{"n1": 1}}
	b := types.ReplicationRecord{RecordID: "r1", DataType: "widget", VersionVector: types.VersionVector{"n2": 1}}

	_, err := m.resolveConflict(a, b)
	require.Error(t, err)
	require.Equal(t, types.KindConfiguration, types.KindOf(err))

	m.RegisterCustomResolver("widget", func(x, y types.ReplicationRecord) (types.ReplicationRecord, error) {
		merged := x
		merged.Payload = append(append([]byte{}, x.Payload...), y.Payload...)
		return merged, nil
	})

	x := a
	x.Payload = []byte("x")
	y := b
	y.Payload = []byte("y")
	resolved, err := m.resolveConflict(x, y)
	require.NoError(t, err)
	require.Equal(t, []byte("xy"), resolved.Payload)
}

func fixedTime(t *testing.T, offsetSeconds int64) time.Time {
	t.Helper()
	return time.Unix(1_700_000_000+offsetSeconds, 0).UTC()
}
