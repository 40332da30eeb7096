package basp

import (
	"fmt"
	"log/slog"
)

// ProtocolVersion is written into the operation_data field of
// server_handshake, udp_server_handshake and udp_client_handshake frames;
// client_handshake frames carry 0 there. Incoming handshakes are not
// checked against it: a peer with a different version is accepted.
const ProtocolVersion uint64 = 1

// Instance is the per-node BASP engine: it parses and validates headers,
// classifies frames as local or forward-bound, drives the routing table,
// and dispatches decoded operations to a Callee. It holds no locks of its
// own; every exported method must be called from a single logical
// event-loop context (see Broker for how concurrent connections are
// funneled onto one goroutine).
type Instance struct {
	thisNode  NodeId
	appID     string
	callee    Callee
	tbl       *RoutingTable
	published *PublishedActors
	hooks     Hooks
}

// NewInstance constructs an Instance for thisNode. flusher receives
// flushed endpoint buffers (normally the Broker); it may be nil in tests
// that only inspect routing-table state.
func NewInstance(thisNode NodeId, appID string, callee Callee, flusher Flusher, opts ...Option) *Instance {
	cfg := defaultInstanceConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Instance{
		thisNode:  thisNode,
		appID:     appID,
		callee:    callee,
		tbl:       NewRoutingTable(flusher),
		published: NewPublishedActors(),
		hooks:     cfg.hooks,
	}
}

// ThisNode returns the instance's own node identity.
func (in *Instance) ThisNode() NodeId {
	return in.thisNode
}

// Lookup finds a path to target, direct or indirect.
func (in *Instance) Lookup(target NodeId) (Endpoint, bool) {
	return in.tbl.Lookup(target)
}

// Flush hands ep's accumulated bytes to the broker.
func (in *Instance) Flush(ep Endpoint) {
	in.tbl.Flush(ep)
}

// AddPublishedActor binds actorID and interfaces to port and emits the
// actor_published hook.
func (in *Instance) AddPublishedActor(port uint16, actorID ActorID, interfaces map[string]struct{}) {
	in.published.Add(port, actorID, interfaces)
	in.hooks.ActorPublished(actorID, interfaces, port)
}

// RemovePublishedActor unbinds port.
func (in *Instance) RemovePublishedActor(port uint16) bool {
	return in.published.Remove(port)
}

// RoutingSnapshot returns a point-in-time copy of the routing table, for
// admin inspection.
func (in *Instance) RoutingSnapshot() RoutingSnapshot {
	return in.tbl.Snapshot()
}

// PublishedSnapshot lists every actor currently published on this node,
// for admin inspection.
func (in *Instance) PublishedSnapshot() []PublishedActorInfo {
	return in.published.Snapshot()
}

// purge erases every routing entry bound to h and invokes
// callee.PurgeState once per node removed.
func (in *Instance) purge(h Handle) {
	in.tbl.EraseByHandle(h, func(node NodeId) {
		in.callee.PurgeState(node)
		in.hooks.ConnectionClosed(node)
	})
}

// HandleNodeShutdown erases the route to node (a broker-initiated
// disconnect notification rather than a decode failure) and purges callee
// state for it.
func (in *Instance) HandleNodeShutdown(node NodeId) {
	if node.IsNone() {
		return
	}
	in.tbl.EraseByNode(node, func(n NodeId) {
		in.callee.PurgeState(n)
		in.hooks.ConnectionClosed(n)
	})
}

// HandleHeartbeat emits a heartbeat frame to every node with a direct
// route and flushes each one.
func (in *Instance) HandleHeartbeat() {
	for _, h := range in.tbl.DirectHandles() {
		node := in.tbl.LookupNode(h)
		if node.IsNone() {
			continue
		}
		ep, ok := in.tbl.Lookup(node)
		if !ok {
			continue
		}
		if err := WriteHeartbeat(ep.WriteBuffer, in.thisNode, node); err != nil {
			slog.Error("basp: write heartbeat failed", "node", node, "error", err)
			continue
		}
		in.tbl.Flush(ep)
		in.hooks.HeartbeatSent(node)
	}
}

// HandleStream advances the stream connection FSM for acc by one read: if
// acc is AwaitHeader, data must be exactly HeaderSize bytes; if
// AwaitPayload, data must be exactly the payload length recorded in the
// pending header. It returns the next ConnectionState; CloseConnection is
// terminal and means acc's handle has already been purged from the
// routing table.
func (in *Instance) HandleStream(acc *StreamAccumulator, data []byte) ConnectionState {
	if acc.State == AwaitHeader {
		hdr, err := DecodeHeader(data)
		if err != nil || !Valid(hdr) {
			slog.Warn("basp: invalid header", "handle", acc.Handle, "error", err)
			in.purge(acc.Handle)
			acc.State = CloseConnection
			return CloseConnection
		}
		if hdr.PayloadLen > 0 {
			acc.header = hdr
			acc.State = AwaitPayload
			return AwaitPayload
		}
		if !in.process(acc.Handle, hdr, nil) {
			in.purge(acc.Handle)
			acc.State = CloseConnection
			return CloseConnection
		}
		acc.State = AwaitHeader
		return AwaitHeader
	}

	hdr := acc.header
	if uint32(len(data)) != hdr.PayloadLen {
		slog.Warn("basp: payload length mismatch", "handle", acc.Handle, "want", hdr.PayloadLen, "got", len(data))
		in.purge(acc.Handle)
		acc.State = CloseConnection
		return CloseConnection
	}
	if !in.process(acc.Handle, hdr, data) {
		in.purge(acc.Handle)
		acc.State = CloseConnection
		return CloseConnection
	}
	acc.State = AwaitHeader
	return AwaitHeader
}

// HandleDatagram processes one complete UDP packet, which may carry one
// or more (header | payload) frames concatenated back to back. Frames are
// self-delimiting, so there is no AwaitPayload state for datagrams: a
// malformed or partial frame purges routing state for h and returns
// false, meaning the handle should be considered unusable (the caller
// decides whether to close the socket binding).
func (in *Instance) HandleDatagram(h Handle, packet []byte) bool {
	off := 0
	for off < len(packet) {
		if off+HeaderSize > len(packet) {
			slog.Warn("basp: datagram truncated header", "handle", h)
			in.purge(h)
			return false
		}
		hdr, err := DecodeHeader(packet[off : off+HeaderSize])
		if err != nil || !Valid(hdr) {
			slog.Warn("basp: datagram invalid header", "handle", h, "error", err)
			in.purge(h)
			return false
		}
		off += HeaderSize
		if off+int(hdr.PayloadLen) > len(packet) {
			slog.Warn("basp: datagram truncated payload", "handle", h)
			in.purge(h)
			return false
		}
		payload := packet[off : off+int(hdr.PayloadLen)]
		off += int(hdr.PayloadLen)

		if !hdr.IsHandshake() && !hdr.IsHeartbeat() && hdr.DestNode != in.thisNode {
			// Forwarding on datagrams is not implemented: drop and close,
			// per the open question this module settled on.
			in.hooks.MessageForwardingFailed(hdr)
			in.purge(h)
			return false
		}

		if !in.processDatagram(h, hdr, payload) {
			in.purge(h)
			return false
		}
	}
	return true
}

// process implements the stream-transport decision tree: the forwarding
// test, then the per-operation switch. It returns false if the connection
// must close.
func (in *Instance) process(h Handle, hdr Header, payload []byte) bool {
	if !hdr.IsHandshake() && !hdr.IsHeartbeat() && hdr.DestNode != in.thisNode {
		return in.forward(hdr, payload)
	}
	switch hdr.Operation {
	case MessageTypeServerHandshake:
		return in.handleServerHandshake(h, hdr, payload)
	case MessageTypeClientHandshake:
		return in.handleClientHandshake(h, hdr, payload)
	case MessageTypeDispatchMessage:
		return in.handleDispatchMessage(hdr, payload)
	case MessageTypeAnnounceProxy:
		in.callee.ProxyAnnounced(hdr.SourceNode, hdr.DestActor)
		return true
	case MessageTypeKillProxy:
		return in.handleKillProxy(hdr, payload)
	case MessageTypeHeartbeat:
		in.callee.HandleHeartbeat(hdr.SourceNode)
		in.hooks.HeartbeatReceived(hdr.SourceNode)
		return true
	case MessageTypeUDPServerHandshake, MessageTypeUDPClientHandshake:
		slog.Warn("basp: udp handshake received on stream transport", "operation", hdr.Operation)
		return true
	default:
		return false
	}
}

// processDatagram is process's datagram counterpart: the UDP handshake
// variants behave like their stream counterparts except the reply
// direction, everything else is shared.
func (in *Instance) processDatagram(h Handle, hdr Header, payload []byte) bool {
	switch hdr.Operation {
	case MessageTypeUDPServerHandshake:
		return in.handleUDPServerHandshake(h, hdr, payload)
	case MessageTypeUDPClientHandshake:
		return in.handleUDPClientHandshake(h, hdr, payload)
	case MessageTypeServerHandshake, MessageTypeClientHandshake:
		slog.Warn("basp: stream handshake received on datagram transport", "operation", hdr.Operation)
		return true
	case MessageTypeDispatchMessage:
		return in.handleDispatchMessage(hdr, payload)
	case MessageTypeAnnounceProxy:
		in.callee.ProxyAnnounced(hdr.SourceNode, hdr.DestActor)
		return true
	case MessageTypeKillProxy:
		return in.handleKillProxy(hdr, payload)
	case MessageTypeHeartbeat:
		in.callee.HandleHeartbeat(hdr.SourceNode)
		in.hooks.HeartbeatReceived(hdr.SourceNode)
		return true
	default:
		return false
	}
}

// forward serializes hdr and payload unchanged into the write buffer of
// the path toward hdr.DestNode and flushes it. If no path exists, it's a
// soft failure: the frame is dropped (or, if it looks spoofed, silently
// ignored) and the connection survives.
func (in *Instance) forward(hdr Header, payload []byte) bool {
	ep, ok := in.tbl.Lookup(hdr.DestNode)
	if !ok {
		if hdr.SourceNode == in.thisNode {
			slog.Warn("basp: dropping frame with probably spoofed source")
		} else {
			slog.Info("basp: cannot forward message", "error", fmt.Errorf("%w: dest=%s", ErrNoRoute, hdr.DestNode))
		}
		in.hooks.MessageForwardingFailed(hdr)
		return true
	}
	var tmp [HeaderSize]byte
	if err := hdr.Encode(tmp[:]); err != nil {
		slog.Error("basp: forward header encode failed", "error", err)
		return false
	}
	ep.WriteBuffer.Write(tmp[:])
	if payload != nil {
		ep.WriteBuffer.Write(payload)
	}
	in.tbl.Flush(ep)
	in.hooks.MessageForwarded(hdr)
	return true
}

func (in *Instance) handleServerHandshake(h Handle, hdr Header, payload []byte) bool {
	if len(payload) != int(hdr.PayloadLen) {
		return false
	}
	hp, err := decodeHandshakePayload(payload)
	if err != nil {
		slog.Error("basp: server handshake payload decode failed", "error", err)
		return false
	}
	if hp.AppID != in.appID {
		slog.Error("basp: server handshake rejected", "error", fmt.Errorf("%w: remote=%s", ErrAppIdentifierMismatch, hp.AppID))
		return false
	}
	if hdr.SourceNode == in.thisNode {
		slog.Info("basp: closing self-connection after handshake")
		in.callee.FinalizeHandshake(hdr.SourceNode, hp.ActorID, hp.Interfaces)
		return false
	}
	if _, ok := in.tbl.LookupHandle(hdr.SourceNode); ok {
		slog.Info("basp: closing duplicate direct connection", "node", hdr.SourceNode)
		in.callee.FinalizeHandshake(hdr.SourceNode, hp.ActorID, hp.Interfaces)
		return false
	}
	in.tbl.Add(h, hdr.SourceNode)
	ep, ok := in.tbl.Lookup(hdr.SourceNode)
	if !ok {
		slog.Error("basp: server handshake failed", "error", fmt.Errorf("%w: node=%s", ErrNoRoute, hdr.SourceNode))
		return false
	}
	if err := WriteClientHandshake(ep.WriteBuffer, in.thisNode, hdr.SourceNode, in.appID); err != nil {
		slog.Error("basp: write client handshake failed", "error", err)
		return false
	}
	in.callee.LearnedNewNodeDirectly(hdr.SourceNode)
	in.callee.FinalizeHandshake(hdr.SourceNode, hp.ActorID, hp.Interfaces)
	in.tbl.Flush(ep)
	in.hooks.HandshakeCompleted(hdr.SourceNode)
	return true
}

func (in *Instance) handleClientHandshake(h Handle, hdr Header, payload []byte) bool {
	if _, ok := in.tbl.LookupHandle(hdr.SourceNode); ok {
		slog.Info("basp: received second client handshake", "node", hdr.SourceNode)
		return true
	}
	if len(payload) != int(hdr.PayloadLen) {
		return false
	}
	cp, err := decodeClientHandshakePayload(payload)
	if err != nil {
		slog.Error("basp: client handshake payload decode failed", "error", err)
		return false
	}
	if cp.AppID != in.appID {
		slog.Error("basp: client handshake rejected", "error", fmt.Errorf("%w: remote=%s", ErrAppIdentifierMismatch, cp.AppID))
		return false
	}
	in.tbl.Add(h, hdr.SourceNode)
	in.callee.LearnedNewNodeDirectly(hdr.SourceNode)
	in.hooks.HandshakeCompleted(hdr.SourceNode)
	return true
}

func (in *Instance) handleUDPServerHandshake(h Handle, hdr Header, payload []byte) bool {
	hp, err := decodeHandshakePayload(payload)
	if err != nil {
		slog.Error("basp: udp server handshake payload decode failed", "error", err)
		return false
	}
	if hp.AppID != in.appID {
		slog.Error("basp: udp server handshake rejected", "error", fmt.Errorf("%w: remote=%s", ErrAppIdentifierMismatch, hp.AppID))
		return false
	}
	if hdr.SourceNode == in.thisNode {
		in.callee.FinalizeHandshake(hdr.SourceNode, hp.ActorID, hp.Interfaces)
		return false
	}
	if _, ok := in.tbl.LookupHandle(hdr.SourceNode); ok {
		in.callee.FinalizeHandshake(hdr.SourceNode, hp.ActorID, hp.Interfaces)
		return false
	}
	in.tbl.Add(h, hdr.SourceNode)
	ep, ok := in.tbl.Lookup(hdr.SourceNode)
	if !ok {
		slog.Error("basp: udp server handshake failed", "error", fmt.Errorf("%w: node=%s", ErrNoRoute, hdr.SourceNode))
		return false
	}
	// Unlike the udp_client_handshake path, the reply here is the plain
	// client_handshake op, not a UDP-tagged one (§4.4 only overrides the
	// other direction).
	if err := WriteClientHandshake(ep.WriteBuffer, in.thisNode, hdr.SourceNode, in.appID); err != nil {
		slog.Error("basp: write client handshake failed", "error", err)
		return false
	}
	in.callee.LearnedNewNodeDirectly(hdr.SourceNode)
	in.callee.FinalizeHandshake(hdr.SourceNode, hp.ActorID, hp.Interfaces)
	in.tbl.Flush(ep)
	in.hooks.HandshakeCompleted(hdr.SourceNode)
	return true
}

func (in *Instance) handleUDPClientHandshake(h Handle, hdr Header, payload []byte) bool {
	if _, ok := in.tbl.LookupHandle(hdr.SourceNode); ok {
		return true
	}
	cp, err := decodeClientHandshakePayload(payload)
	if err != nil {
		slog.Error("basp: udp client handshake payload decode failed", "error", err)
		return false
	}
	if cp.AppID != in.appID {
		slog.Error("basp: udp client handshake rejected", "error", fmt.Errorf("%w: remote=%s", ErrAppIdentifierMismatch, cp.AppID))
		return false
	}
	in.tbl.Add(h, hdr.SourceNode)
	ep, ok := in.tbl.Lookup(hdr.SourceNode)
	if !ok {
		slog.Error("basp: udp client handshake failed", "error", fmt.Errorf("%w: node=%s", ErrNoRoute, hdr.SourceNode))
		return false
	}
	// The reply to a UDP client handshake is a UDP server handshake, not a
	// client handshake (§4.4); cp.Port names the published actor the
	// remote asked to be told about.
	if err := WriteUDPServerHandshake(ep.WriteBuffer, in.thisNode, hdr.SourceNode, in.appID, in.published, cp.Port); err != nil {
		slog.Error("basp: write udp server handshake failed", "error", err)
		return false
	}
	in.callee.LearnedNewNodeDirectly(hdr.SourceNode)
	in.tbl.Flush(ep)
	in.hooks.HandshakeCompleted(hdr.SourceNode)
	return true
}

func (in *Instance) handleDispatchMessage(hdr Header, payload []byte) bool {
	if len(payload) != int(hdr.PayloadLen) {
		return false
	}
	named := hdr.HasNamedReceiver()
	dp, err := decodeDispatchPayload(payload, named)
	if err != nil {
		slog.Error("basp: dispatch message payload decode failed", "error", err)
		return false
	}
	in.callee.Deliver(hdr.SourceNode, hdr.SourceActor, named, dp.ReceiverName, hdr.DestActor, hdr.OperationData, dp.ForwardingStack, dp.Message)
	return true
}

func (in *Instance) handleKillProxy(hdr Header, payload []byte) bool {
	if len(payload) != int(hdr.PayloadLen) {
		return false
	}
	kp, err := decodeKillProxyPayload(payload)
	if err != nil {
		slog.Error("basp: kill proxy payload decode failed", "error", err)
		return false
	}
	var reason error
	if kp.Reason != "" {
		reason = fmt.Errorf("%s", kp.Reason)
	}
	in.callee.KillProxy(hdr.SourceNode, hdr.SourceActor, reason)
	return true
}

// Dispatch serializes and sends an outbound dispatch_message from sender
// to receiver, addressed via a direct or indirect route. It returns false
// if no route exists; receiver must not be in.thisNode.
func (in *Instance) Dispatch(srcNode NodeId, srcActor ActorID, stack []ActorID, destNode NodeId, destActor ActorID, mid uint64, msg []byte) bool {
	ep, ok := in.tbl.Lookup(destNode)
	if !ok {
		slog.Info("basp: dispatch failed", "error", fmt.Errorf("%w: dest=%s", ErrNoRoute, destNode))
		in.hooks.MessageSendingFailed(srcNode, destNode, mid)
		return false
	}
	if err := WriteDispatchMessage(ep.WriteBuffer, srcNode, destNode, srcActor, destActor, mid, "", stack, msg); err != nil {
		slog.Error("basp: dispatch write failed", "error", err)
		return false
	}
	in.tbl.Flush(ep)
	in.hooks.MessageSent(srcNode, ep.NextHop, destNode, mid)
	return true
}

// DispatchNamed is Dispatch's named-receiver variant.
func (in *Instance) DispatchNamed(srcNode NodeId, srcActor ActorID, stack []ActorID, destNode NodeId, receiverName string, mid uint64, msg []byte) bool {
	ep, ok := in.tbl.Lookup(destNode)
	if !ok {
		slog.Info("basp: dispatch failed", "error", fmt.Errorf("%w: dest=%s", ErrNoRoute, destNode))
		in.hooks.MessageSendingFailed(srcNode, destNode, mid)
		return false
	}
	if err := WriteDispatchMessage(ep.WriteBuffer, srcNode, destNode, srcActor, InvalidActorID, mid, receiverName, stack, msg); err != nil {
		slog.Error("basp: dispatch write failed", "error", err)
		return false
	}
	in.tbl.Flush(ep)
	in.hooks.MessageSent(srcNode, ep.NextHop, destNode, mid)
	return true
}
