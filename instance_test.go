package basp

import (
	"bytes"
	"testing"
)

// fakeCallee records every Callee call it receives, for assertion.
type fakeCallee struct {
	appID string

	finalized     []NodeId
	purged        []NodeId
	proxiesKilled []ActorID
	delivered     []deliverCall
	learnedDirect []NodeId
	heartbeats    []NodeId
}

type deliverCall struct {
	srcNode      NodeId
	srcActor     ActorID
	named        bool
	receiverName string
	receiverAct  ActorID
	mid          uint64
	msg          []byte
}

func (f *fakeCallee) FinalizeHandshake(node NodeId, actorID ActorID, interfaces map[string]struct{}) {
	f.finalized = append(f.finalized, node)
}
func (f *fakeCallee) PurgeState(node NodeId)              { f.purged = append(f.purged, node) }
func (f *fakeCallee) ProxyAnnounced(node NodeId, actorID ActorID) {}
func (f *fakeCallee) KillProxy(node NodeId, actorID ActorID, reason error) {
	f.proxiesKilled = append(f.proxiesKilled, actorID)
}
func (f *fakeCallee) Deliver(srcNode NodeId, srcActor ActorID, named bool, receiverName string, receiverActor ActorID, mid uint64, stack []ActorID, msg []byte) {
	f.delivered = append(f.delivered, deliverCall{srcNode, srcActor, named, receiverName, receiverActor, mid, msg})
}
func (f *fakeCallee) LearnedNewNodeDirectly(node NodeId) {
	f.learnedDirect = append(f.learnedDirect, node)
}
func (f *fakeCallee) LearnedNewNodeIndirectly(node NodeId) {}
func (f *fakeCallee) HandleHeartbeat(node NodeId)          { f.heartbeats = append(f.heartbeats, node) }
func (f *fakeCallee) AppIdentifier() string                { return f.appID }

// fakeFlusher records every flushed endpoint's bytes at the time of flush.
type fakeFlusher struct {
	flushed [][]byte
}

func (f *fakeFlusher) FlushEndpoint(ep Endpoint) {
	b := make([]byte, ep.WriteBuffer.Len())
	copy(b, ep.WriteBuffer.Bytes())
	f.flushed = append(f.flushed, b)
}

func serverHandshakeFrame(t *testing.T, from NodeId, appID string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteServerHandshake(&buf, from, appID, NewPublishedActors(), 0); err != nil {
		t.Fatalf("WriteServerHandshake: %v", err)
	}
	return buf.Bytes()
}

func feedStream(t *testing.T, in *Instance, acc *StreamAccumulator, frame []byte) ConnectionState {
	t.Helper()
	state := in.HandleStream(acc, frame[:HeaderSize])
	if state != AwaitPayload && state != AwaitHeader && state != CloseConnection {
		t.Fatalf("unexpected state after header: %v", state)
	}
	if state != AwaitPayload {
		return state
	}
	return in.HandleStream(acc, frame[HeaderSize:])
}

func TestHandleStreamAppIDMismatchClosesConnection(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	in := NewInstance(newTestNodeID(t), "app-a", callee, nil)
	acc := NewStreamAccumulator(Handle(1))

	frame := serverHandshakeFrame(t, newTestNodeID(t), "app-b")
	state := feedStream(t, in, acc, frame)

	if state != CloseConnection {
		t.Fatalf("expected connection close on app id mismatch, got %v", state)
	}
	if len(callee.finalized) != 0 {
		t.Fatal("handshake must not finalize on app id mismatch")
	}
}

func TestHandleStreamSelfConnectionCloses(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	self := newTestNodeID(t)
	in := NewInstance(self, "app-a", callee, nil)
	acc := NewStreamAccumulator(Handle(1))

	frame := serverHandshakeFrame(t, self, "app-a")
	state := feedStream(t, in, acc, frame)

	if state != CloseConnection {
		t.Fatalf("expected connection close on self-connection, got %v", state)
	}
	if len(callee.finalized) != 1 || callee.finalized[0] != self {
		t.Fatalf("expected FinalizeHandshake(self) once, got %v", callee.finalized)
	}
	if _, ok := in.Lookup(self); ok {
		t.Fatal("self-connection must not register a route")
	}
}

func TestHandleStreamDuplicateDirectConnectionCloses(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	in := NewInstance(newTestNodeID(t), "app-a", callee, nil)
	peer := newTestNodeID(t)

	acc1 := NewStreamAccumulator(Handle(1))
	frame1 := serverHandshakeFrame(t, peer, "app-a")
	if state := feedStream(t, in, acc1, frame1); state != AwaitHeader {
		t.Fatalf("expected first handshake to succeed, got %v", state)
	}
	if _, ok := in.Lookup(peer); !ok {
		t.Fatal("expected a route after first handshake")
	}

	acc2 := NewStreamAccumulator(Handle(2))
	frame2 := serverHandshakeFrame(t, peer, "app-a")
	state := feedStream(t, in, acc2, frame2)

	if state != CloseConnection {
		t.Fatalf("expected second connection from the same node to close, got %v", state)
	}
	if len(callee.finalized) != 2 {
		t.Fatalf("expected FinalizeHandshake called for both attempts, got %d", len(callee.finalized))
	}
	if h, ok := in.tbl.LookupHandle(peer); !ok || h != Handle(1) {
		t.Fatalf("the original handle should still own the route, got %v, %v", h, ok)
	}
}

func TestHandleStreamSuccessfulMutualHandshake(t *testing.T) {
	calleeA := &fakeCallee{appID: "app-a"}
	flusherA := &fakeFlusher{}
	nodeA := newTestNodeID(t)
	inA := NewInstance(nodeA, "app-a", calleeA, flusherA)

	nodeB := newTestNodeID(t)
	acc := NewStreamAccumulator(Handle(1))

	frame := serverHandshakeFrame(t, nodeB, "app-a")
	state := feedStream(t, inA, acc, frame)

	if state != AwaitHeader {
		t.Fatalf("expected handshake to succeed and await the next header, got %v", state)
	}
	if len(calleeA.learnedDirect) != 1 || calleeA.learnedDirect[0] != nodeB {
		t.Fatalf("expected LearnedNewNodeDirectly(nodeB), got %v", calleeA.learnedDirect)
	}
	if len(calleeA.finalized) != 1 || calleeA.finalized[0] != nodeB {
		t.Fatalf("expected FinalizeHandshake(nodeB), got %v", calleeA.finalized)
	}
	if ep, ok := inA.Lookup(nodeB); !ok || ep.NextHop != nodeB {
		t.Fatalf("expected a direct route to nodeB, got %+v, %v", ep, ok)
	}
	if len(flusherA.flushed) != 1 {
		t.Fatalf("expected the client_handshake reply to be flushed once, got %d", len(flusherA.flushed))
	}
	replyHdr, err := DecodeHeader(flusherA.flushed[0])
	if err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	if replyHdr.Operation != MessageTypeClientHandshake {
		t.Fatalf("expected a client_handshake reply, got operation %v", replyHdr.Operation)
	}
	if replyHdr.DestNode != nodeB {
		t.Fatalf("expected reply addressed to nodeB, got %v", replyHdr.DestNode)
	}
}

func TestForwardWithNoRouteDropsFrameAndSurvives(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	in := NewInstance(newTestNodeID(t), "app-a", callee, nil)

	src := newTestNodeID(t)
	dst := newTestNodeID(t) // unknown to this instance
	hdr := Header{
		Operation:   MessageTypeDispatchMessage,
		SourceNode:  src,
		DestNode:    dst,
		SourceActor: ActorID(1),
		DestActor:   ActorID(2),
	}

	if ok := in.forward(hdr, []byte("payload")); !ok {
		t.Fatal("forwarding with no route must be a soft failure (connection survives)")
	}
	if len(callee.delivered) != 0 {
		t.Fatal("a dropped forward must never reach Deliver")
	}
}

func TestDispatchToUnreachableNodeFails(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	in := NewInstance(newTestNodeID(t), "app-a", callee, nil)

	ok := in.Dispatch(in.ThisNode(), ActorID(1), nil, newTestNodeID(t), ActorID(2), 42, []byte("hi"))
	if ok {
		t.Fatal("dispatch to an unreachable node must fail")
	}
}

func TestDispatchNamedRoutesThroughDirectConnection(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	flusher := &fakeFlusher{}
	in := NewInstance(newTestNodeID(t), "app-a", callee, flusher)
	peer := newTestNodeID(t)
	in.tbl.Add(Handle(1), peer)

	ok := in.DispatchNamed(in.ThisNode(), ActorID(1), nil, peer, "greeter", 7, []byte("hello"))
	if !ok {
		t.Fatal("expected DispatchNamed to succeed against a direct route")
	}
	if len(flusher.flushed) != 1 {
		t.Fatalf("expected exactly one flush, got %d", len(flusher.flushed))
	}
	hdr, err := DecodeHeader(flusher.flushed[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Operation != MessageTypeDispatchMessage || !hdr.HasNamedReceiver() {
		t.Fatalf("expected a named dispatch_message frame, got %+v", hdr)
	}
	if hdr.OperationData != 7 {
		t.Fatalf("expected mid 7 carried in operation_data, got %d", hdr.OperationData)
	}
}

func TestPurgeOnHandleLossNotifiesCallee(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	in := NewInstance(newTestNodeID(t), "app-a", callee, nil)
	peer := newTestNodeID(t)
	in.tbl.Add(Handle(1), peer)

	in.purge(Handle(1))

	if len(callee.purged) != 1 || callee.purged[0] != peer {
		t.Fatalf("expected PurgeState(peer), got %v", callee.purged)
	}
	if _, ok := in.Lookup(peer); ok {
		t.Fatal("route should be gone after purge")
	}
}

func TestHandleHeartbeatBroadcastsToDirectPeers(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	flusher := &fakeFlusher{}
	in := NewInstance(newTestNodeID(t), "app-a", callee, flusher)
	peer := newTestNodeID(t)
	in.tbl.Add(Handle(1), peer)

	in.HandleHeartbeat()

	if len(flusher.flushed) != 1 {
		t.Fatalf("expected one heartbeat flush, got %d", len(flusher.flushed))
	}
	hdr, err := DecodeHeader(flusher.flushed[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Operation != MessageTypeHeartbeat {
		t.Fatalf("expected a heartbeat frame, got %v", hdr.Operation)
	}
}

func TestHandleDatagramUDPClientHandshakeRepliesWithUDPServerHandshake(t *testing.T) {
	calleeA := &fakeCallee{appID: "app-a"}
	flusherA := &fakeFlusher{}
	nodeA := newTestNodeID(t)
	inA := NewInstance(nodeA, "app-a", calleeA, flusherA)
	inA.AddPublishedActor(9000, ActorID(7), map[string]struct{}{"greeter": {}})

	nodeB := newTestNodeID(t)
	var buf bytes.Buffer
	if err := WriteUDPClientHandshake(&buf, nodeB, "app-a", 9000); err != nil {
		t.Fatalf("WriteUDPClientHandshake: %v", err)
	}

	if ok := inA.HandleDatagram(Handle(1), buf.Bytes()); !ok {
		t.Fatal("expected udp_client_handshake to be accepted")
	}
	if len(calleeA.learnedDirect) != 1 || calleeA.learnedDirect[0] != nodeB {
		t.Fatalf("expected LearnedNewNodeDirectly(nodeB), got %v", calleeA.learnedDirect)
	}
	if ep, ok := inA.Lookup(nodeB); !ok || ep.NextHop != nodeB {
		t.Fatalf("expected a direct route to nodeB, got %+v, %v", ep, ok)
	}
	if len(flusherA.flushed) != 1 {
		t.Fatalf("expected the udp_server_handshake reply to be flushed once, got %d", len(flusherA.flushed))
	}
	replyHdr, err := DecodeHeader(flusherA.flushed[0])
	if err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	if replyHdr.Operation != MessageTypeUDPServerHandshake {
		t.Fatalf("expected a udp_server_handshake reply, got operation %v", replyHdr.Operation)
	}
	if replyHdr.SourceActor != ActorID(7) {
		t.Fatalf("expected the reply to report the actor published on the requested port, got %v", replyHdr.SourceActor)
	}
}

func TestHandleDatagramUDPServerHandshakeRepliesWithPlainClientHandshake(t *testing.T) {
	calleeA := &fakeCallee{appID: "app-a"}
	flusherA := &fakeFlusher{}
	nodeA := newTestNodeID(t)
	inA := NewInstance(nodeA, "app-a", calleeA, flusherA)

	nodeB := newTestNodeID(t)
	var buf bytes.Buffer
	if err := WriteUDPServerHandshake(&buf, nodeB, nodeA, "app-a", NewPublishedActors(), 0); err != nil {
		t.Fatalf("WriteUDPServerHandshake: %v", err)
	}

	if ok := inA.HandleDatagram(Handle(1), buf.Bytes()); !ok {
		t.Fatal("expected udp_server_handshake to be accepted")
	}
	if len(flusherA.flushed) != 1 {
		t.Fatalf("expected one reply to be flushed, got %d", len(flusherA.flushed))
	}
	replyHdr, err := DecodeHeader(flusherA.flushed[0])
	if err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	if replyHdr.Operation != MessageTypeClientHandshake {
		t.Fatalf("expected the reply to a udp_server_handshake to be a plain client_handshake, got %v", replyHdr.Operation)
	}
}

func TestHandleDatagramRejectsFrameNotAddressedHere(t *testing.T) {
	callee := &fakeCallee{appID: "app-a"}
	in := NewInstance(newTestNodeID(t), "app-a", callee, nil)

	var buf bytes.Buffer
	if err := WriteDispatchMessage(&buf, newTestNodeID(t), newTestNodeID(t), ActorID(1), ActorID(2), 1, "", nil, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if ok := in.HandleDatagram(Handle(1), buf.Bytes()); ok {
		t.Fatal("a datagram addressed to another node must be rejected")
	}
}
