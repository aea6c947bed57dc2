package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/beacon/pkg/events"
	"github.com/cuemby/beacon/pkg/ha/cluster"
	"github.com/cuemby/beacon/pkg/ha/config"
	"github.com/cuemby/beacon/pkg/ha/failover"
	"github.com/cuemby/beacon/pkg/ha/health"
	"github.com/cuemby/beacon/pkg/ha/orchestrator"
	"github.com/cuemby/beacon/pkg/ha/replication"
	"github.com/cuemby/beacon/pkg/ha/repository"
	"github.com/cuemby/beacon/pkg/ha/statemgr"
	"github.com/cuemby/beacon/pkg/ha/statusapi"
	"github.com/cuemby/beacon/pkg/ha/transport"
	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "beacond",
	Short:   "beacond runs one node of the high-availability control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("beacond version %s\ncommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start this node and bring it up to cluster membership",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "beacon.yaml", "Path to the node's configuration file")
}

// raftPort and shipPort derive two additional listeners from the
// configured gossip port, mirroring the way Raft and Serf occupy adjacent
// ports in other gossip+consensus stacks: gossip on cluster.port, Raft RPC
// on cluster.port+1, replication shipment on cluster.port+2.
func raftPort(p int) int { return p + 1 }
func shipPort(p int) int { return p + 2 }

func run(ctx context.Context, cfg *config.Config) error {
	self := types.Node{
		NodeID:   types.NodeId(cfg.Cluster.NodeID),
		Address:  cfg.Cluster.Address,
		Port:     cfg.Cluster.Port,
		Priority: cfg.Cluster.Priority,
		State:    types.NodeJoining,
	}

	broker := events.NewBroker()
	broker.Start()

	gossipAddr := fmt.Sprintf("%s:%d", cfg.Cluster.Address, cfg.Cluster.Port)
	gossip, err := transport.NewTCPTransport(gossipAddr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("bind gossip transport: %w", err)
	}

	raftBind := fmt.Sprintf("%s:%d", cfg.Cluster.Address, raftPort(cfg.Cluster.Port))
	raftStores, err := cluster.NewFileRaftStores(cfg.DataDir, raftBind)
	if err != nil {
		return fmt.Errorf("open raft stores: %w", err)
	}

	cm, err := cluster.NewManager(cluster.Config{
		Self:                   self,
		ClusterSize:            cfg.Cluster.Size,
		GossipTransport:        gossip,
		RaftStores:             raftStores,
		Clock:                  types.SystemClock{},
		EventBroker:            broker,
		GossipInterval:         cfg.Cluster.GossipInterval,
		HeartbeatInterval:      cfg.Cluster.HeartbeatInterval,
		HeartbeatMissThreshold: cfg.Cluster.HeartbeatMissThreshold,
		ElectionTimeoutMin:     cfg.Cluster.ElectionTimeoutMin,
		ElectionTimeoutMax:     cfg.Cluster.ElectionTimeoutMax,
	})
	if err != nil {
		return fmt.Errorf("construct cluster manager: %w", err)
	}

	repo, err := repository.NewBoltRepository(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	shipAddr := fmt.Sprintf("%s:%d", cfg.Cluster.Address, shipPort(cfg.Cluster.Port))
	shipTransport, err := transport.NewTCPTransport(shipAddr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("bind replication transport: %w", err)
	}

	sm, err := statemgr.NewManager(statemgr.Config{
		Self:               self.NodeID,
		Cluster:            cm,
		Repository:         repo,
		Clock:              types.SystemClock{},
		EventBroker:        broker,
		TombstoneRetention: cfg.State.TombstoneRetention,
	})
	if err != nil {
		return fmt.Errorf("construct distributed state manager: %w", err)
	}

	rm := replication.NewManager(replication.Config{
		Self:                self.NodeID,
		Mode:                cfg.Replication.Mode,
		ConflictPolicy:      cfg.Replication.ConflictPolicy,
		Cluster:             cm,
		Repository:          repo,
		Transport:           shipTransport,
		Clock:               types.SystemClock{},
		EventBroker:         broker,
		QueueDepth:          cfg.Replication.QueueDepth,
		BackpressureTimeout: cfg.Replication.BackpressureTimeout,
		ShipmentRateLimit:   cfg.Replication.ShipmentRateLimit,
		ShipmentBurst:       cfg.Replication.ShipmentBurst,
	})

	fm, err := failover.NewManager(failover.Config{
		Self:        self.NodeID,
		Cluster:     cm,
		StateMgr:    sm,
		Replication: rm,
		Clock:       types.SystemClock{},
		EventBroker: broker,
	})
	if err != nil {
		return fmt.Errorf("construct failover manager: %w", err)
	}

	hm := health.NewMonitor(types.SystemClock{})

	orch := orchestrator.New(orchestrator.Config{
		Self:           self.NodeID,
		Cluster:        cm,
		Health:         hm,
		Failover:       fm,
		Replication:    rm,
		State:          sm,
		EventBroker:    broker,
		Seeds:          cfg.Cluster.Seeds,
		FormingTimeout: cfg.FormingTimeout,
		ShutdownGrace:  cfg.ShutdownGrace,
	})

	startCtx, cancelStart := context.WithTimeout(ctx, cfg.FormingTimeout+5*time.Second)
	defer cancelStart()
	if err := orch.Start(startCtx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	status := statusapi.New(orch, log.WithComponent("statusapi"))
	mux := http.NewServeMux()
	mux.Handle("/", status.Router())
	mux.Handle("/metrics", metrics.Handler())
	httpServer := &http.Server{Addr: cfg.StatusAPI.ListenAddress, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("status api: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	orch.Stop()
	broker.Stop()
	_ = repo.Close()
	return nil
}
