package basp

import (
	"bytes"
	"fmt"
)

// payloadWriter appends a payload to buf and returns an error if it could
// not be serialized. It is the Go equivalent of the "closure returning an
// error" serializer-callback strategy.
type payloadWriter func(buf *bytes.Buffer) error

// Write is the single primitive all outbound frames go through. It
// guarantees the header occupies exactly HeaderSize bytes at its
// reservation point, bit-identical to what DecodeHeader will later read back.
//
// If pw is non-nil: HeaderSize bytes are reserved, pw appends the
// payload, payload_len is computed from the bytes pw produced, and the
// header is encoded in place over the reservation. If pw is nil, the
// header is encoded directly with whatever PayloadLen it already carries
// (must be 0).
func Write(buf *bytes.Buffer, hdr Header, pw payloadWriter) error {
	if pw == nil {
		var tmp [HeaderSize]byte
		if err := hdr.Encode(tmp[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}
		buf.Write(tmp[:])
		return nil
	}
	reservation := buf.Len()
	var placeholder [HeaderSize]byte
	buf.Write(placeholder[:])
	payloadStart := buf.Len()
	if err := pw(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	payloadLen := buf.Len() - payloadStart
	hdr.PayloadLen = uint32(payloadLen)
	if err := hdr.Encode(buf.Bytes()[reservation : reservation+HeaderSize]); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return nil
}

// WriteServerHandshake writes a server_handshake frame into buf, sourced
// from thisNode and, if port names a published actor, that actor's id and
// interfaces.
func WriteServerHandshake(buf *bytes.Buffer, thisNode NodeId, appID string, published *PublishedActors, port uint16) error {
	actorID, interfaces, _ := published.Lookup(port)
	hdr := Header{
		Operation:   MessageTypeServerHandshake,
		OperationData: ProtocolVersion,
		SourceNode:  thisNode,
		DestNode:    NodeNone,
		SourceActor: actorID,
		DestActor:   InvalidActorID,
	}
	return Write(buf, hdr, func(b *bytes.Buffer) error {
		return encodeHandshakePayload(b, HandshakePayload{AppID: appID, ActorID: actorID, Interfaces: interfaces})
	})
}

// WriteClientHandshake writes a client_handshake frame responding to
// remoteSide.
func WriteClientHandshake(buf *bytes.Buffer, thisNode, remoteSide NodeId, appID string) error {
	hdr := Header{
		Operation:   MessageTypeClientHandshake,
		SourceNode:  thisNode,
		DestNode:    remoteSide,
		SourceActor: InvalidActorID,
		DestActor:   InvalidActorID,
	}
	return Write(buf, hdr, func(b *bytes.Buffer) error {
		return encodeClientHandshakePayload(b, ClientHandshakePayload{AppID: appID})
	})
}

// WriteUDPClientHandshake is WriteClientHandshake's datagram counterpart.
// port names the published-actor port the sender wants reported back in
// the peer's udp_server_handshake reply, 0 if none.
func WriteUDPClientHandshake(buf *bytes.Buffer, thisNode NodeId, appID string, port uint16) error {
	hdr := Header{
		Operation:   MessageTypeUDPClientHandshake,
		OperationData: ProtocolVersion,
		SourceNode:  thisNode,
		DestNode:    NodeNone,
		SourceActor: InvalidActorID,
		DestActor:   InvalidActorID,
	}
	return Write(buf, hdr, func(b *bytes.Buffer) error {
		return encodeClientHandshakePayload(b, ClientHandshakePayload{AppID: appID, Port: port})
	})
}

// WriteUDPServerHandshake is WriteServerHandshake's datagram counterpart,
// addressed to a specific remote node (UDP has no connection to imply a
// destination).
func WriteUDPServerHandshake(buf *bytes.Buffer, thisNode, remoteSide NodeId, appID string, published *PublishedActors, port uint16) error {
	actorID, interfaces, _ := published.Lookup(port)
	hdr := Header{
		Operation:   MessageTypeUDPServerHandshake,
		OperationData: ProtocolVersion,
		SourceNode:  thisNode,
		DestNode:    remoteSide,
		SourceActor: actorID,
		DestActor:   InvalidActorID,
	}
	return Write(buf, hdr, func(b *bytes.Buffer) error {
		return encodeHandshakePayload(b, HandshakePayload{AppID: appID, ActorID: actorID, Interfaces: interfaces})
	})
}

// WriteAnnounceProxy writes an announce_proxy frame for actorID on
// destNode. Carries no payload.
func WriteAnnounceProxy(buf *bytes.Buffer, thisNode, destNode NodeId, actorID ActorID) error {
	hdr := Header{
		Operation:   MessageTypeAnnounceProxy,
		SourceNode:  thisNode,
		DestNode:    destNode,
		SourceActor: InvalidActorID,
		DestActor:   actorID,
	}
	return Write(buf, hdr, nil)
}

// WriteKillProxy writes a kill_proxy frame for actorID on destNode,
// carrying reason.
func WriteKillProxy(buf *bytes.Buffer, thisNode, destNode NodeId, actorID ActorID, reason error) error {
	hdr := Header{
		Operation:   MessageTypeKillProxy,
		SourceNode:  thisNode,
		DestNode:    destNode,
		SourceActor: actorID,
		DestActor:   InvalidActorID,
	}
	reasonStr := ""
	if reason != nil {
		reasonStr = reason.Error()
	}
	return Write(buf, hdr, func(b *bytes.Buffer) error {
		return encodeKillProxyPayload(b, KillProxyPayload{Reason: reasonStr})
	})
}

// WriteHeartbeat writes a heartbeat frame addressed to remoteSide. Carries
// no payload.
func WriteHeartbeat(buf *bytes.Buffer, thisNode, remoteSide NodeId) error {
	hdr := Header{
		Operation:   MessageTypeHeartbeat,
		SourceNode:  thisNode,
		DestNode:    remoteSide,
		SourceActor: InvalidActorID,
		DestActor:   InvalidActorID,
	}
	return Write(buf, hdr, nil)
}

// WriteDispatchMessage writes a dispatch_message frame carrying mid,
// stack, and msg from sender to receiver. If receiverName is non-empty
// the named-receiver flag is set and receiverName is written ahead of the
// stack; otherwise destActor identifies the receiver.
func WriteDispatchMessage(buf *bytes.Buffer, srcNode, destNode NodeId, srcActor, destActor ActorID, mid uint64, receiverName string, stack []ActorID, msg []byte) error {
	named := receiverName != ""
	var flags uint8
	if named {
		flags = NamedReceiverFlag
	}
	hdr := Header{
		Operation:     MessageTypeDispatchMessage,
		Flags:         flags,
		OperationData: mid,
		SourceNode:    srcNode,
		DestNode:      destNode,
		SourceActor:   srcActor,
		DestActor:     destActor,
	}
	return Write(buf, hdr, func(b *bytes.Buffer) error {
		return encodeDispatchPayload(b, named, DispatchPayload{ReceiverName: receiverName, ForwardingStack: stack, Message: msg})
	})
}
