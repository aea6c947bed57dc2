package transport

import (
	"bytes"
	"testing"

	"github.com/cuemby/beacon/pkg/ha/types"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		ClusterID:    ClusterID{1, 2, 3},
		SenderNodeID: types.NodeId("n1"),
		Term:         42,
		Type:         MsgGossip,
		Payload:      []byte(`{"hello":"world"}`),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestFrameRejectsOversizedPayloadLen(t *testing.T) {
	f := Frame{SenderNodeID: "n1", Type: MsgHeartbeat}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	// Corrupt payload_len to exceed maxPayloadLen: offset is
	// 16 (cluster_id) + 2 (sender len) + len(sender) + 8 (term) + 1 (type).
	offset := 16 + 2 + len("n1") + 8 + 1
	raw := buf.Bytes()
	raw[offset] = 0xFF
	raw[offset+1] = 0xFF
	raw[offset+2] = 0xFF
	raw[offset+3] = 0xFF

	_, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
}
