package health

import (
	"context"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/rs/zerolog"
)

// ProbeFunc is a caller-supplied health probe. It may suspend; the scheduler
// enforces Check.Timeout via ctx regardless of whether the probe itself
// respects it.
type ProbeFunc func(ctx context.Context) error

// Check is one registered health check, spec.md §3's HealthCheck entity.
type Check struct {
	CheckID           string
	ComponentType     string
	ComponentName     string
	Probe             ProbeFunc
	Interval          time.Duration
	Timeout           time.Duration
	FailureThreshold  int
	RecoveryThreshold int
	// Critical marks a check as contributing to UNHEALTHY in OverallHealth;
	// non-critical unhealthy checks only contribute DEGRADED.
	Critical bool
}

type registration struct {
	check Check

	mu                   sync.Mutex
	consecutiveFailures  int
	consecutiveSuccesses int
	lastStatus           types.HealthStatus
	lastMessage          string
	lastObservedAt       time.Time
	recoveryCallbacks    []func()

	stop chan struct{}
	rng  *rand.Rand
}

// Monitor is HealthMonitor: owns the probing schedule and the derived
// health view (spec.md §4.1).
type Monitor struct {
	clock  types.Clock
	logger zerolog.Logger

	mu       sync.RWMutex
	checks   map[string]*registration
	enabled  bool
	disabled chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor constructs a Monitor. It starts disabled; call Enable to begin
// scheduling registered checks.
func NewMonitor(clock types.Clock) *Monitor {
	return &Monitor{
		clock:    clock,
		logger:   log.WithComponent("health"),
		checks:   make(map[string]*registration),
		disabled: make(chan struct{}),
	}
}

func probeIdentity(p ProbeFunc) uintptr {
	return reflect.ValueOf(p).Pointer()
}

// Register adds check to the schedule. It is idempotent by CheckID:
// re-registering the same id with a different probe function fails with
// ALREADY_REGISTERED. The first probe run happens at the next scheduler
// tick, not synchronously here.
func (m *Monitor) Register(check Check) error {
	if check.FailureThreshold <= 0 {
		check.FailureThreshold = 3
	}
	if check.RecoveryThreshold <= 0 {
		check.RecoveryThreshold = 1
	}
	if check.Interval <= 0 {
		check.Interval = 10 * time.Second
	}
	if check.Timeout <= 0 {
		check.Timeout = 5 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.checks[check.CheckID]; ok {
		if probeIdentity(existing.check.Probe) != probeIdentity(check.Probe) {
			return types.NewError(types.KindAlreadyExists, false,
				"check "+check.CheckID+" already registered with a different probe", nil)
		}
		return nil
	}

	reg := &registration{
		check:      check,
		lastStatus: types.HealthUnknown,
		stop:       make(chan struct{}),
		rng:        rand.New(rand.NewSource(m.clock.Now().UnixNano() ^ int64(len(m.checks)))),
	}
	m.checks[check.CheckID] = reg

	if m.enabled {
		m.wg.Add(1)
		go m.runLoop(reg)
	}
	return nil
}

// Unregister stops scheduling check_id. An in-flight probe is allowed to
// finish within its timeout; this call does not wait for it.
func (m *Monitor) Unregister(checkID string) {
	m.mu.Lock()
	reg, ok := m.checks[checkID]
	if ok {
		delete(m.checks, checkID)
	}
	m.mu.Unlock()
	if ok {
		close(reg.stop)
	}
}

// RegisterRecovery registers a callback invoked each time checkID's status
// transitions UNHEALTHY -> HEALTHY. Panics inside the callback are recovered
// and logged; they never fail the check.
func (m *Monitor) RegisterRecovery(checkID string, callback func()) {
	m.mu.RLock()
	reg, ok := m.checks[checkID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	reg.mu.Lock()
	reg.recoveryCallbacks = append(reg.recoveryCallbacks, callback)
	reg.mu.Unlock()
}

// ComponentHealth returns the current status of one check, or
// types.HealthUnknown if checkID was never registered or has not completed
// its first probe.
func (m *Monitor) ComponentHealth(checkID string) types.HealthStatus {
	m.mu.RLock()
	reg, ok := m.checks[checkID]
	m.mu.RUnlock()
	if !ok {
		return types.HealthUnknown
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.lastStatus
}

// OverallHealth aggregates every registered check into one view. Status is
// UNHEALTHY if any critical check is UNHEALTHY, DEGRADED if any
// non-critical check is UNHEALTHY or any check is DEGRADED, else HEALTHY.
func (m *Monitor) OverallHealth() types.OverallHealth {
	m.mu.RLock()
	regs := make([]*registration, 0, len(m.checks))
	for _, r := range m.checks {
		regs = append(regs, r)
	}
	m.mu.RUnlock()

	out := types.OverallHealth{
		Status:     types.HealthHealthy,
		Total:      len(regs),
		Components: make(map[string]types.HealthStatus, len(regs)),
	}

	sawUnhealthyCritical := false
	sawDegraded := false
	for _, r := range regs {
		r.mu.Lock()
		status := r.lastStatus
		critical := r.check.Critical
		r.mu.Unlock()

		out.Components[r.check.CheckID] = status
		switch status {
		case types.HealthHealthy:
			out.Healthy++
		case types.HealthUnhealthy:
			if critical {
				sawUnhealthyCritical = true
			} else {
				sawDegraded = true
			}
		case types.HealthDegraded:
			sawDegraded = true
		}
	}

	switch {
	case sawUnhealthyCritical:
		out.Status = types.HealthUnhealthy
	case sawDegraded:
		out.Status = types.HealthDegraded
	}
	return out
}

// Enable starts the scheduler for every currently registered check. Calling
// Enable when already enabled is a no-op.
func (m *Monitor) Enable() {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = true
	m.disabled = make(chan struct{})
	regs := make([]*registration, 0, len(m.checks))
	for _, r := range m.checks {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	for _, r := range regs {
		m.wg.Add(1)
		go m.runLoop(r)
	}
}

// Disable cooperatively cancels pending probes and stops scheduling until
// Enable is called again.
func (m *Monitor) Disable() {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = false
	close(m.disabled)
	m.mu.Unlock()
	m.wg.Wait()
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.10
	delta := (rng.Float64()*2 - 1) * spread
	return d + time.Duration(delta)
}

func (m *Monitor) runLoop(reg *registration) {
	defer m.wg.Done()

	m.mu.RLock()
	disabled := m.disabled
	m.mu.RUnlock()

	for {
		wait := jitter(reg.rng, reg.check.Interval)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-reg.stop:
			timer.Stop()
			return
		case <-disabled:
			timer.Stop()
			return
		}

		m.runOnce(reg)
	}
}

func (m *Monitor) runOnce(reg *registration) {
	ctx, cancel := context.WithTimeout(context.Background(), reg.check.Timeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := m.invokeProbe(ctx, reg.check.Probe)
	timer.ObserveDurationVec(metrics.HealthCheckDuration, reg.check.CheckID)

	healthy := err == nil
	message := ""
	if err != nil {
		message = err.Error()
	}

	outcome := "success"
	if !healthy {
		outcome = "failure"
	}
	metrics.HealthChecksTotal.WithLabelValues(reg.check.CheckID, outcome).Inc()

	reg.mu.Lock()
	reg.lastObservedAt = m.clock.Now()
	reg.lastMessage = message
	wasUnhealthy := reg.lastStatus == types.HealthUnhealthy
	if healthy {
		reg.consecutiveSuccesses++
		reg.consecutiveFailures = 0
		if reg.lastStatus == types.HealthUnknown || reg.consecutiveSuccesses >= reg.check.RecoveryThreshold {
			reg.lastStatus = types.HealthHealthy
		}
	} else {
		reg.consecutiveFailures++
		reg.consecutiveSuccesses = 0
		if reg.consecutiveFailures >= reg.check.FailureThreshold {
			reg.lastStatus = types.HealthUnhealthy
		} else if reg.lastStatus == types.HealthUnknown {
			reg.lastStatus = types.HealthDegraded
		}
	}
	becameHealthy := wasUnhealthy && reg.lastStatus == types.HealthHealthy
	callbacks := append([]func(){}, reg.recoveryCallbacks...)
	reg.mu.Unlock()

	if becameHealthy {
		for _, cb := range callbacks {
			m.invokeRecovery(reg.check.CheckID, cb)
		}
	}
}

// invokeProbe runs the probe and converts a panic into an error, since
// probe exceptions are treated as failures (spec.md §4.1). A probe still
// running when ctx expires is reported as a KindTimeout failure without
// waiting for it to return.
func (m *Monitor) invokeProbe(ctx context.Context, probe ProbeFunc) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().Interface("recover", r).Msg("health probe panicked")
				done <- types.NewError(types.KindProbePanic, false, "probe panicked", nil)
			}
		}()
		done <- probe(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return types.Wrapf(types.KindTimeout, true, ctx.Err(), "probe exceeded its timeout")
	}
}

func (m *Monitor) invokeRecovery(checkID string, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithCheckID(checkID).Error().Interface("recover", r).Msg("recovery callback panicked")
		}
	}()
	cb()
}
