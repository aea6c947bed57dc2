package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/ha/cluster"
	"github.com/cuemby/beacon/pkg/ha/failover"
	"github.com/cuemby/beacon/pkg/ha/health"
	"github.com/cuemby/beacon/pkg/ha/replication"
	"github.com/cuemby/beacon/pkg/ha/statemgr"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/rs/zerolog"
)

// Config wires every manager the orchestrator brings up, plus the two
// timing knobs spec.md §6 documents for bring-up and drain:
// forming_timeout (how long Start waits for a leader to emerge before
// proceeding degraded) and shutdown_grace (the bound on Stop's drain).
type Config struct {
	Self types.NodeId

	Cluster     *cluster.Manager
	Health      *health.Monitor
	Failover    *failover.Manager
	Replication *replication.Manager
	State       *statemgr.Manager
	EventBroker *events.Broker

	Seeds          []string
	FormingTimeout time.Duration
	ShutdownGrace  time.Duration
}

// Orchestrator is StartupOrchestrator (spec.md §4.6): it owns the fixed
// bring-up order across every other manager and the mirrored shutdown, and
// doubles as the pkg/ha/statusapi.StatusSource once ready.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger
	ready  atomic.Bool
}

// New constructs an Orchestrator. Nothing starts until Start is called.
func New(cfg Config) *Orchestrator {
	if cfg.FormingTimeout <= 0 {
		cfg.FormingTimeout = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: log.WithComponent("orchestrator").With().Str("node_id", string(cfg.Self)).Logger(),
	}
}

// Start brings the node up in the order spec.md §4.6 fixes: health
// monitoring first (with no checks registered yet, so it is a no-op until
// Start registers the standard checks at the end), then cluster membership
// and leader election, then the three managers that depend on cluster
// topology, then the standard health checks, then the node is marked ready.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info().Msg("orchestrator: starting")

	o.cfg.Health.Enable()

	if err := o.cfg.Cluster.Start(ctx, o.cfg.Seeds); err != nil {
		return fmt.Errorf("orchestrator: start cluster: %w", err)
	}
	o.awaitClusterForming(ctx)

	o.cfg.Failover.Start(ctx)
	o.cfg.Replication.Start(ctx)
	o.cfg.State.Start(ctx)

	o.registerStandardChecks()

	o.ready.Store(true)
	o.logger.Info().Msg("orchestrator: ready")
	return nil
}

// awaitClusterForming blocks until a leader is known, quorum is present, or
// forming_timeout elapses, whichever comes first. Proceeding after a
// timeout (rather than failing Start outright) matches spec.md §4.6: a
// partitioned minority still brings its local managers up, just without
// quorum, and HasQuorum-gated operations fail loudly on their own.
func (o *Orchestrator) awaitClusterForming(ctx context.Context) {
	deadline := time.NewTimer(o.cfg.FormingTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		view := o.cfg.Cluster.ClusterInfo()
		if view.State == types.ClusterStable || view.QuorumPresent() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			o.logger.Warn().Msg("orchestrator: forming_timeout elapsed without a known leader, continuing degraded")
			return
		case <-poll.C:
		}
	}
}

// registerStandardChecks wires the three checks spec.md §4.6 names:
// cluster quorum, replication lag, and lock service liveness.
func (o *Orchestrator) registerStandardChecks() {
	_ = o.cfg.Health.Register(health.Check{
		CheckID:       "cluster_quorum",
		ComponentType: "cluster",
		ComponentName: string(o.cfg.Self),
		Probe: func(ctx context.Context) error {
			if !o.cfg.Cluster.HasQuorum() {
				return fmt.Errorf("cluster has no quorum")
			}
			return nil
		},
		Interval: 5 * time.Second,
		Timeout:  2 * time.Second,
		Critical: true,
	})

	_ = o.cfg.Health.Register(health.Check{
		CheckID:       "replication_lag",
		ComponentType: "replication",
		ComponentName: string(o.cfg.Self),
		Probe: func(ctx context.Context) error {
			status := o.cfg.Replication.Status()
			for _, n := range status.PerNode {
				if n.LagSeconds > maxTolerableLag {
					return fmt.Errorf("node %s lag %.1fs exceeds tolerable lag", n.NodeID, n.LagSeconds)
				}
			}
			return nil
		},
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Critical: false,
	})

	_ = o.cfg.Health.Register(health.Check{
		CheckID:       "lock_service",
		ComponentType: "state",
		ComponentName: string(o.cfg.Self),
		Probe: func(ctx context.Context) error {
			_, _, _, err := o.cfg.State.Get(ctx, "__health_probe__", false)
			if err != nil && types.KindOf(err) == types.KindFatal {
				return err
			}
			return nil
		},
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Critical: true,
	})
}

// maxTolerableLag bounds the replication_lag health check; above this, a
// destination is considered unhealthy rather than merely behind.
const maxTolerableLag = 30.0

// Stop drains every manager in the reverse of Start's order, bounded by
// shutdown_grace. If this node currently holds leadership, Cluster.Leave
// attempts a polite transfer first so the remaining nodes don't have to
// wait out a full election timeout to notice the leader is gone.
func (o *Orchestrator) Stop() {
	o.logger.Info().Msg("orchestrator: stopping")
	o.ready.Store(false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.cfg.State.Stop()
		o.cfg.Replication.Stop()
		o.cfg.Failover.Stop()
		o.cfg.Cluster.Leave()
		o.cfg.Cluster.Stop()
		o.cfg.Health.Disable()
	}()

	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		o.logger.Warn().Msg("orchestrator: shutdown_grace elapsed before drain completed")
	}
}

// PhaseStatus implements statusapi.StatusSource: get_phase_status().
func (o *Orchestrator) PhaseStatus() types.PhaseStatus {
	return types.PhaseStatus{
		Cluster:        o.cfg.Cluster.ClusterInfo(),
		FailoverGroups: o.cfg.Failover.AllGroups(),
		Replication:    o.cfg.Replication.Status(),
		Health:         o.cfg.Health.OverallHealth(),
		Ready:          o.ready.Load(),
	}
}

// IsLeader implements statusapi.StatusSource: is_leader().
func (o *Orchestrator) IsLeader() bool {
	return o.cfg.Cluster.IsLeader()
}

// LeaderInfo implements statusapi.StatusSource: leader_info().
func (o *Orchestrator) LeaderInfo() (types.NodeId, string, bool) {
	view := o.cfg.Cluster.ClusterInfo()
	if view.LeaderNodeID == "" {
		return "", "", false
	}
	for _, n := range view.Members {
		if n.NodeID == view.LeaderNodeID {
			return n.NodeID, fmt.Sprintf("%s:%d", n.Address, n.Port), true
		}
	}
	return view.LeaderNodeID, "", true
}

// Ready reports whether Start has completed the bring-up sequence.
func (o *Orchestrator) Ready() bool {
	return o.ready.Load()
}
