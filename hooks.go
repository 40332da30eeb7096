package basp

// Hooks receives synchronous, best-effort observer notifications emitted
// by Instance. All methods must return quickly; they run on the single
// dispatch-loop goroutine and block further processing while they run.
type Hooks interface {
	MessageForwarded(hdr Header)
	MessageForwardingFailed(hdr Header)
	MessageSent(sender, nextHop, receiver NodeId, mid uint64)
	MessageSendingFailed(sender, receiver NodeId, mid uint64)
	ActorPublished(actorID ActorID, interfaces map[string]struct{}, port uint16)

	// HandshakeCompleted fires once a direct route to node is established,
	// on every handshake variant (TCP and UDP, either direction).
	HandshakeCompleted(node NodeId)

	// ConnectionClosed fires once per node when the routing table drops
	// its last route to it, directly or indirectly.
	ConnectionClosed(node NodeId)

	// HeartbeatSent fires once per direct peer each time HandleHeartbeat
	// emits a heartbeat frame to it.
	HeartbeatSent(node NodeId)

	// HeartbeatReceived fires when a heartbeat frame arrives from node.
	HeartbeatReceived(node NodeId)
}

// NopHooks implements Hooks with no-ops. Embed it to implement only the
// events a particular Hooks consumer cares about.
type NopHooks struct{}

func (NopHooks) MessageForwarded(Header)                                  {}
func (NopHooks) MessageForwardingFailed(Header)                           {}
func (NopHooks) MessageSent(sender, nextHop, receiver NodeId, mid uint64) {}
func (NopHooks) MessageSendingFailed(sender, receiver NodeId, mid uint64) {}
func (NopHooks) ActorPublished(ActorID, map[string]struct{}, uint16)      {}
func (NopHooks) HandshakeCompleted(NodeId)                                {}
func (NopHooks) ConnectionClosed(NodeId)                                  {}
func (NopHooks) HeartbeatSent(NodeId)                                     {}
func (NopHooks) HeartbeatReceived(NodeId)                                 {}
