package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// StatusSource is the single collaborator this package depends on: whatever
// owns the wiring between ClusterManager, FailoverManager, ReplicationManager,
// DistributedStateManager and the health Monitor. In this repo that is the
// orchestrator (pkg/ha/orchestrator), but the interface is what keeps this
// package testable without one.
type StatusSource interface {
	PhaseStatus() types.PhaseStatus
	IsLeader() bool
	LeaderInfo() (id types.NodeId, address string, ok bool)
}

// Server is the read-only JSON status surface named in spec.md §6:
// get_phase_status, is_leader, leader_info. It is deliberately the only HTTP
// concern the core owns.
type Server struct {
	router chi.Router
	src    StatusSource
	logger zerolog.Logger
}

// New builds a Server. Call Router to obtain the http.Handler to mount or
// serve directly.
func New(src StatusSource, logger zerolog.Logger) *Server {
	s := &Server{src: src, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/phase_status", s.handlePhaseStatus)
	r.Get("/is_leader", s.handleIsLeader)
	r.Get("/leader_info", s.handleLeaderInfo)
	s.router = r
	return s
}

// Router returns the underlying http.Handler.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("statusapi: encode response failed")
	}
}

// handlePhaseStatus implements get_phase_status: a full snapshot of cluster
// view, per-group failover state, replication lag, and overall health.
func (s *Server) handlePhaseStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.src.PhaseStatus())
}

// handleIsLeader implements is_leader.
func (s *Server) handleIsLeader(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, struct {
		IsLeader bool `json:"is_leader"`
	}{IsLeader: s.src.IsLeader()})
}

// handleLeaderInfo implements leader_info: the current leader's node id and
// gossip address, or ok=false if no leader is currently known.
func (s *Server) handleLeaderInfo(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := s.src.LeaderInfo()
	s.writeJSON(w, struct {
		NodeID  types.NodeId `json:"node_id,omitempty"`
		Address string       `json:"address,omitempty"`
		Known   bool         `json:"known"`
	}{NodeID: id, Address: addr, Known: ok})
}
