package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status    types.PhaseStatus
	isLeader  bool
	leaderID  types.NodeId
	leaderAdd string
	leaderOK  bool
}

func (f *fakeSource) PhaseStatus() types.PhaseStatus { return f.status }
func (f *fakeSource) IsLeader() bool                 { return f.isLeader }
func (f *fakeSource) LeaderInfo() (types.NodeId, string, bool) {
	return f.leaderID, f.leaderAdd, f.leaderOK
}

func TestHandlePhaseStatus(t *testing.T) {
	src := &fakeSource{status: types.PhaseStatus{Ready: true}}
	srv := New(src, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/phase_status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got types.PhaseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Ready)
}

func TestHandleIsLeader(t *testing.T) {
	src := &fakeSource{isLeader: true}
	srv := New(src, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/is_leader", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var body struct {
		IsLeader bool `json:"is_leader"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.IsLeader)
}

func TestHandleLeaderInfoUnknown(t *testing.T) {
	src := &fakeSource{}
	srv := New(src, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/leader_info", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var body struct {
		Known bool `json:"known"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Known)
}

func TestHandleLeaderInfoKnown(t *testing.T) {
	src := &fakeSource{leaderID: "node-1", leaderAdd: "10.0.0.1:7946", leaderOK: true}
	srv := New(src, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/leader_info", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var body struct {
		NodeID  types.NodeId `json:"node_id"`
		Address string       `json:"address"`
		Known   bool         `json:"known"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Known)
	require.Equal(t, types.NodeId("node-1"), body.NodeID)
	require.Equal(t, "10.0.0.1:7946", body.Address)
}
