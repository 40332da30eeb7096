package basp

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed wire size of a Header, in bytes:
//
//	operation(1) + flags(1) + payload_len(4) + operation_data(8) +
//	source_node(16) + dest_node(16) + source_actor(8) + dest_actor(8)
const HeaderSize = 1 + 1 + 4 + 8 + 16 + 16 + 8 + 8

// maxPayloadLen bounds the payload a single frame may declare. Valid
// rejects any header claiming more than this, so a stream reader can size
// its read buffer directly from PayloadLen without an attacker being able
// to force an arbitrarily large allocation.
const maxPayloadLen = 16 << 20 // 16 MB

// Header is the fixed-size frame header that precedes every BASP payload.
// Fields are encoded big-endian, matching the rest of this module's wire
// codec.
type Header struct {
	Operation     MessageType
	Flags         uint8
	PayloadLen    uint32
	OperationData uint64
	SourceNode    NodeId
	DestNode      NodeId
	SourceActor   ActorID
	DestActor     ActorID
}

// HasNamedReceiver reports whether the named-receiver flag is set.
func (h Header) HasNamedReceiver() bool {
	return h.Flags&NamedReceiverFlag != 0
}

// IsHandshake reports whether h.Operation is one of the handshake kinds.
func (h Header) IsHandshake() bool {
	return h.Operation.IsHandshake()
}

// IsHeartbeat reports whether h.Operation is heartbeat.
func (h Header) IsHeartbeat() bool {
	return h.Operation.IsHeartbeat()
}

// Encode serializes h into exactly HeaderSize bytes, big-endian.
func (h Header) Encode(dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("basp: header encode: dst too short (%d < %d)", len(dst), HeaderSize)
	}
	dst[0] = byte(h.Operation)
	dst[1] = h.Flags
	binary.BigEndian.PutUint32(dst[2:6], h.PayloadLen)
	binary.BigEndian.PutUint64(dst[6:14], h.OperationData)
	copy(dst[14:30], h.SourceNode[:])
	copy(dst[30:46], h.DestNode[:])
	binary.BigEndian.PutUint64(dst[46:54], uint64(h.SourceActor))
	binary.BigEndian.PutUint64(dst[54:62], uint64(h.DestActor))
	return nil
}

// DecodeHeader deserializes a Header from the first HeaderSize bytes of
// src. It returns ErrMalformedFrame if src is too short; it does not check
// Valid, callers must do that separately.
func DecodeHeader(src []byte) (Header, error) {
	var h Header
	if len(src) < HeaderSize {
		return h, fmt.Errorf("%w: short header (%d < %d)", ErrMalformedFrame, len(src), HeaderSize)
	}
	h.Operation = MessageType(src[0])
	h.Flags = src[1]
	h.PayloadLen = binary.BigEndian.Uint32(src[2:6])
	h.OperationData = binary.BigEndian.Uint64(src[6:14])
	copy(h.SourceNode[:], src[14:30])
	copy(h.DestNode[:], src[30:46])
	h.SourceActor = ActorID(binary.BigEndian.Uint64(src[46:54]))
	h.DestActor = ActorID(binary.BigEndian.Uint64(src[54:62]))
	return h, nil
}

// Valid checks that a decoded header is internally consistent: the
// operation tag is defined, the payload length obeys the per-operation
// constraint and stays within maxPayloadLen, and operation-specific
// sentinel fields hold.
func Valid(h Header) bool {
	if h.PayloadLen > maxPayloadLen {
		return false
	}
	switch h.Operation {
	case MessageTypeServerHandshake, MessageTypeUDPServerHandshake,
		MessageTypeClientHandshake, MessageTypeUDPClientHandshake:
		return h.PayloadLen > 0
	case MessageTypeHeartbeat:
		return h.PayloadLen == 0
	case MessageTypeAnnounceProxy:
		return h.PayloadLen == 0 && h.DestActor != InvalidActorID
	case MessageTypeKillProxy:
		return h.PayloadLen > 0
	case MessageTypeDispatchMessage:
		return true
	default:
		return false
	}
}
