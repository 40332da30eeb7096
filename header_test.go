package basp

import "testing"

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	src := newTestNodeID(t)
	dst := newTestNodeID(t)
	want := Header{
		Operation:     MessageTypeDispatchMessage,
		Flags:         NamedReceiverFlag,
		PayloadLen:    42,
		OperationData: 7,
		SourceNode:    src,
		DestNode:      dst,
		SourceActor:   ActorID(11),
		DestActor:     ActorID(22),
	}

	var buf [HeaderSize]byte
	if err := want.Encode(buf[:]); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeHeader(buf[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestHeaderEncodeShortDst(t *testing.T) {
	var h Header
	if err := h.Encode(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error encoding into a too-short buffer")
	}
}

func TestDecodeHeaderShortSrc(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error decoding a too-short buffer")
	}
}

func TestValidHandshakeRequiresPayload(t *testing.T) {
	h := Header{Operation: MessageTypeServerHandshake, PayloadLen: 0}
	if Valid(h) {
		t.Fatal("server_handshake with zero payload length should be invalid")
	}
	h.PayloadLen = 1
	if !Valid(h) {
		t.Fatal("server_handshake with non-zero payload length should be valid")
	}
}

func TestValidHeartbeatRejectsPayload(t *testing.T) {
	h := Header{Operation: MessageTypeHeartbeat, PayloadLen: 0}
	if !Valid(h) {
		t.Fatal("heartbeat with zero payload length should be valid")
	}
	h.PayloadLen = 1
	if Valid(h) {
		t.Fatal("heartbeat with non-zero payload length should be invalid")
	}
}

func TestValidAnnounceProxyRequiresDestActor(t *testing.T) {
	h := Header{Operation: MessageTypeAnnounceProxy, PayloadLen: 0, DestActor: InvalidActorID}
	if Valid(h) {
		t.Fatal("announce_proxy with InvalidActorID dest should be invalid")
	}
	h.DestActor = ActorID(1)
	if !Valid(h) {
		t.Fatal("announce_proxy with a real dest actor and zero payload should be valid")
	}
	h.PayloadLen = 1
	if Valid(h) {
		t.Fatal("announce_proxy carries no payload")
	}
}

func TestValidKillProxyRequiresPayload(t *testing.T) {
	h := Header{Operation: MessageTypeKillProxy, PayloadLen: 0}
	if Valid(h) {
		t.Fatal("kill_proxy with zero payload length should be invalid")
	}
}

func TestValidDispatchMessageAlwaysValid(t *testing.T) {
	h := Header{Operation: MessageTypeDispatchMessage, PayloadLen: 0}
	if !Valid(h) {
		t.Fatal("dispatch_message should be valid regardless of payload length")
	}
}

func TestValidRejectsUnknownOperation(t *testing.T) {
	h := Header{Operation: MessageType(0)}
	if Valid(h) {
		t.Fatal("operation tag 0 is undefined and should be invalid")
	}
}
