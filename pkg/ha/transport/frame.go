package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/beacon/pkg/ha/types"
)

// MessageType is the single byte tag identifying a frame's payload encoding,
// matching the enumeration in spec.md §6 literally.
type MessageType byte

const (
	MsgJoin MessageType = iota + 1
	MsgJoinAck
	MsgLeave
	MsgGossip
	MsgHeartbeat
	MsgVoteRequest
	MsgVoteResponse
	MsgReplicate
	MsgReplicateAck
	MsgSnapshotChunk
	MsgLockRequest
	MsgLockGrant
	MsgLockRelease
	MsgStateApply
)

func (t MessageType) String() string {
	switch t {
	case MsgJoin:
		return "JOIN"
	case MsgJoinAck:
		return "JOIN_ACK"
	case MsgLeave:
		return "LEAVE"
	case MsgGossip:
		return "GOSSIP"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgVoteRequest:
		return "VOTE_REQUEST"
	case MsgVoteResponse:
		return "VOTE_RESPONSE"
	case MsgReplicate:
		return "REPLICATE"
	case MsgReplicateAck:
		return "REPLICATE_ACK"
	case MsgSnapshotChunk:
		return "SNAPSHOT_CHUNK"
	case MsgLockRequest:
		return "LOCK_REQUEST"
	case MsgLockGrant:
		return "LOCK_GRANT"
	case MsgLockRelease:
		return "LOCK_RELEASE"
	case MsgStateApply:
		return "STATE_APPLY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// ClusterID identifies the cluster a frame belongs to. It is written into
// every frame and read back by ReadFrame; no receiver in this module
// compares it, so frames are not refused on a cluster id mismatch.
type ClusterID [16]byte

// Frame is one wire message: header fields plus an opaque payload that
// higher layers encode/decode themselves (JSON, for simplicity and to avoid
// introducing a second serialization dependency beyond what the pack
// already carries).
type Frame struct {
	ClusterID    ClusterID
	SenderNodeID types.NodeId
	Term         uint64
	Type         MessageType
	Payload      []byte
}

const maxPayloadLen = 64 << 20 // 64 MiB, generous headroom for snapshot chunks

// WriteFrame serializes f onto w: cluster_id (16 bytes), length-prefixed
// sender_node_id, term (u64 BE), message_type (u8), payload_len (u32 BE),
// payload.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayloadLen {
		return fmt.Errorf("transport: payload too large: %d bytes", len(f.Payload))
	}
	sender := []byte(f.SenderNodeID)
	if len(sender) > 0xFFFF {
		return fmt.Errorf("transport: sender node id too long")
	}

	buf := make([]byte, 0, 16+2+len(sender)+8+1+4+len(f.Payload))
	buf = append(buf, f.ClusterID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sender)))
	buf = append(buf, sender...)
	buf = binary.BigEndian.AppendUint64(buf, f.Term)
	buf = append(buf, byte(f.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame deserializes one frame from r, refusing oversized payloads
// before allocating for them.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame

	if _, err := io.ReadFull(r, f.ClusterID[:]); err != nil {
		return Frame{}, err
	}

	var senderLen uint16
	if err := binary.Read(r, binary.BigEndian, &senderLen); err != nil {
		return Frame{}, fmt.Errorf("transport: read sender_node_id length: %w", err)
	}
	sender := make([]byte, senderLen)
	if _, err := io.ReadFull(r, sender); err != nil {
		return Frame{}, fmt.Errorf("transport: read sender_node_id: %w", err)
	}
	f.SenderNodeID = types.NodeId(sender)

	if err := binary.Read(r, binary.BigEndian, &f.Term); err != nil {
		return Frame{}, fmt.Errorf("transport: read term: %w", err)
	}

	var mt byte
	if err := binary.Read(r, binary.BigEndian, &mt); err != nil {
		return Frame{}, fmt.Errorf("transport: read message_type: %w", err)
	}
	f.Type = MessageType(mt)

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return Frame{}, fmt.Errorf("transport: read payload_len: %w", err)
	}
	if payloadLen > maxPayloadLen {
		return Frame{}, fmt.Errorf("transport: payload_len %d exceeds maximum", payloadLen)
	}
	f.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("transport: read payload: %w", err)
	}

	return f, nil
}
