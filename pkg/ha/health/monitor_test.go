package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

func TestMonitorUnknownUntilFirstProbe(t *testing.T) {
	m := NewMonitor(types.SystemClock{})
	require.NoError(t, m.Register(Check{
		CheckID:  "c1",
		Probe:    AlwaysHealthy,
		Interval: time.Hour,
		Timeout:  time.Second,
	}))
	require.Equal(t, types.HealthUnknown, m.ComponentHealth("c1"))
	require.Equal(t, types.HealthUnknown, m.ComponentHealth("never-registered"))
}

func TestMonitorFlipsUnhealthyAtThreshold(t *testing.T) {
	m := NewMonitor(types.SystemClock{})
	failing := func(ctx context.Context) error { return errors.New("boom") }
	require.NoError(t, m.Register(Check{
		CheckID:          "c1",
		Probe:            failing,
		Interval:         5 * time.Millisecond,
		Timeout:          10 * time.Millisecond,
		FailureThreshold: 2,
		Critical:         true,
	}))
	m.Enable()
	defer m.Disable()

	waitFor(t, time.Second, func() bool {
		return m.ComponentHealth("c1") == types.HealthUnhealthy
	})

	overall := m.OverallHealth()
	require.Equal(t, types.HealthUnhealthy, overall.Status)
}

func TestMonitorRecoveryCallback(t *testing.T) {
	m := NewMonitor(types.SystemClock{})
	var healthy atomic.Bool
	probe := func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("still down")
	}
	require.NoError(t, m.Register(Check{
		CheckID:           "c1",
		Probe:             probe,
		Interval:          5 * time.Millisecond,
		Timeout:           10 * time.Millisecond,
		FailureThreshold:  1,
		RecoveryThreshold: 1,
	}))

	var recovered atomic.Bool
	m.RegisterRecovery("c1", func() { recovered.Store(true) })

	m.Enable()
	defer m.Disable()

	waitFor(t, time.Second, func() bool { return m.ComponentHealth("c1") == types.HealthUnhealthy })
	healthy.Store(true)
	waitFor(t, time.Second, func() bool { return recovered.Load() })
}

func TestMonitorRegisterIdempotentSameProbe(t *testing.T) {
	m := NewMonitor(types.SystemClock{})
	check := Check{CheckID: "c1", Probe: AlwaysHealthy, Interval: time.Hour}
	require.NoError(t, m.Register(check))
	require.NoError(t, m.Register(check))
}

func TestMonitorRegisterRejectsDifferentProbe(t *testing.T) {
	m := NewMonitor(types.SystemClock{})
	require.NoError(t, m.Register(Check{CheckID: "c1", Probe: AlwaysHealthy, Interval: time.Hour}))
	other := func(ctx context.Context) error { return nil }
	err := m.Register(Check{CheckID: "c1", Probe: other, Interval: time.Hour})
	require.Error(t, err)
	require.Equal(t, types.KindAlreadyExists, types.KindOf(err))
}
