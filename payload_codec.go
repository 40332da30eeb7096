package basp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HandshakePayload is the body of server_handshake and udp_server_handshake
// frames: the sender's application identifier and, if it has published an
// actor on the connecting port, that actor's id and interface set.
type HandshakePayload struct {
	AppID      string
	ActorID    ActorID
	Interfaces map[string]struct{}
}

// ClientHandshakePayload is the body of client_handshake and
// udp_client_handshake frames. Port is meaningful only on the udp_client_
// handshake path: it names the published-actor port the sender wants
// reported back in the udp_server_handshake reply, and is left 0 for a
// plain TCP client_handshake.
type ClientHandshakePayload struct {
	AppID string
	Port  uint16
}

// DispatchPayload is the body of a dispatch_message frame. ReceiverName is
// populated only when the header's named-receiver flag is set; otherwise
// the destination is the header's DestActor. Message is the opaque,
// already-serialized actor message; this module never inspects its
// contents.
type DispatchPayload struct {
	ReceiverName     string
	ForwardingStack  []ActorID
	Message          []byte
}

// KillProxyPayload is the body of a kill_proxy frame.
type KillProxyPayload struct {
	Reason string
}

func putStr(buf *bytes.Buffer, s string) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}

func getStr(data []byte, off int) (string, int, error) {
	if off+4 > len(data) {
		return "", off, fmt.Errorf("%w: short data for string length", ErrPayloadDecodeFailure)
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if n < 0 || off+n > len(data) {
		return "", off, fmt.Errorf("%w: short data for string", ErrPayloadDecodeFailure)
	}
	return string(data[off : off+n]), off + n, nil
}

func putActorID(buf *bytes.Buffer, id ActorID) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(id))
	buf.Write(tmp[:])
}

func getActorID(data []byte, off int) (ActorID, int, error) {
	if off+8 > len(data) {
		return InvalidActorID, off, fmt.Errorf("%w: short data for actor id", ErrPayloadDecodeFailure)
	}
	return ActorID(binary.BigEndian.Uint64(data[off:])), off + 8, nil
}

func putInterfaces(buf *bytes.Buffer, interfaces map[string]struct{}) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(interfaces)))
	buf.Write(tmp[:])
	for iface := range interfaces {
		putStr(buf, iface)
	}
}

func getInterfaces(data []byte, off int) (map[string]struct{}, int, error) {
	if off+2 > len(data) {
		return nil, off, fmt.Errorf("%w: short data for interface count", ErrPayloadDecodeFailure)
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	interfaces := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		var s string
		var err error
		if s, off, err = getStr(data, off); err != nil {
			return nil, off, err
		}
		interfaces[s] = struct{}{}
	}
	return interfaces, off, nil
}

// encodeHandshakePayload writes (app_id, actor_id, interfaces) into buf, as
// used by both server_handshake and udp_server_handshake.
func encodeHandshakePayload(buf *bytes.Buffer, p HandshakePayload) error {
	putStr(buf, p.AppID)
	putActorID(buf, p.ActorID)
	putInterfaces(buf, p.Interfaces)
	return nil
}

func decodeHandshakePayload(data []byte) (HandshakePayload, error) {
	var p HandshakePayload
	var off int
	var err error
	if p.AppID, off, err = getStr(data, off); err != nil {
		return p, err
	}
	if p.ActorID, off, err = getActorID(data, off); err != nil {
		return p, err
	}
	if p.Interfaces, _, err = getInterfaces(data, off); err != nil {
		return p, err
	}
	return p, nil
}

func encodeClientHandshakePayload(buf *bytes.Buffer, p ClientHandshakePayload) error {
	putStr(buf, p.AppID)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], p.Port)
	buf.Write(tmp[:])
	return nil
}

func decodeClientHandshakePayload(data []byte) (ClientHandshakePayload, error) {
	var p ClientHandshakePayload
	off, err := 0, error(nil)
	if p.AppID, off, err = getStr(data, off); err != nil {
		return p, err
	}
	if off+2 > len(data) {
		return p, fmt.Errorf("%w: short data for client handshake port", ErrPayloadDecodeFailure)
	}
	p.Port = binary.BigEndian.Uint16(data[off:])
	return p, nil
}

// encodeDispatchPayload writes (receiver_name?, forwarding_stack, message)
// into buf. receiver_name is written only when named is true, mirroring
// the header's named-receiver flag.
func encodeDispatchPayload(buf *bytes.Buffer, named bool, p DispatchPayload) error {
	if named {
		putStr(buf, p.ReceiverName)
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(p.ForwardingStack)))
	buf.Write(tmp[:])
	for _, id := range p.ForwardingStack {
		putActorID(buf, id)
	}
	binary.BigEndian.PutUint32(tmp[:], uint32(len(p.Message)))
	buf.Write(tmp[:])
	buf.Write(p.Message)
	return nil
}

func decodeDispatchPayload(data []byte, named bool) (DispatchPayload, error) {
	var p DispatchPayload
	var off int
	var err error
	if named {
		if p.ReceiverName, off, err = getStr(data, off); err != nil {
			return p, err
		}
	}
	if off+4 > len(data) {
		return p, fmt.Errorf("%w: short data for forwarding stack length", ErrPayloadDecodeFailure)
	}
	stackLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if stackLen < 0 || off+stackLen*8 > len(data) {
		return p, fmt.Errorf("%w: forwarding stack length exceeds remaining data", ErrPayloadDecodeFailure)
	}
	p.ForwardingStack = make([]ActorID, 0, stackLen)
	for i := 0; i < stackLen; i++ {
		var id ActorID
		if id, off, err = getActorID(data, off); err != nil {
			return p, err
		}
		p.ForwardingStack = append(p.ForwardingStack, id)
	}
	if off+4 > len(data) {
		return p, fmt.Errorf("%w: short data for message length", ErrPayloadDecodeFailure)
	}
	msgLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if off+msgLen > len(data) {
		return p, fmt.Errorf("%w: short data for message body", ErrPayloadDecodeFailure)
	}
	p.Message = make([]byte, msgLen)
	copy(p.Message, data[off:off+msgLen])
	return p, nil
}

func encodeKillProxyPayload(buf *bytes.Buffer, p KillProxyPayload) error {
	putStr(buf, p.Reason)
	return nil
}

func decodeKillProxyPayload(data []byte) (KillProxyPayload, error) {
	var p KillProxyPayload
	var err error
	p.Reason, _, err = getStr(data, 0)
	return p, err
}
