package basp

// Callee is the boundary the Instance calls into to deliver protocol
// events to the surrounding actor runtime. The runtime implements it; the
// protocol core never implements it itself.
type Callee interface {
	// FinalizeHandshake completes a handshake with node, recording its
	// published actor id and interface set.
	FinalizeHandshake(node NodeId, actorID ActorID, interfaces map[string]struct{})

	// PurgeState is invoked once per node whenever the routing table drops
	// its last route to that node (directly or indirectly).
	PurgeState(node NodeId)

	// ProxyAnnounced notifies the runtime that node has announced a proxy
	// for actorID.
	ProxyAnnounced(node NodeId, actorID ActorID)

	// KillProxy notifies the runtime that the proxy for actorID on node
	// should be killed with reason.
	KillProxy(node NodeId, actorID ActorID, reason error)

	// Deliver hands a decoded dispatch_message to the runtime. receiver is
	// either an ActorID or a name, selected by the named bool.
	Deliver(srcNode NodeId, srcActor ActorID, named bool, receiverName string, receiverActor ActorID, mid uint64, stack []ActorID, msg []byte)

	// LearnedNewNodeDirectly notifies the runtime that node now has a
	// direct route.
	LearnedNewNodeDirectly(node NodeId)

	// LearnedNewNodeIndirectly notifies the runtime that node is now known
	// to be reachable indirectly. Never called by this module's Instance
	// (indirect routing is structure-only); exists so an upper layer
	// driving AddIndirect can still notify through the same interface.
	LearnedNewNodeIndirectly(node NodeId)

	// HandleHeartbeat notifies the runtime of a heartbeat received from
	// node.
	HandleHeartbeat(node NodeId)

	// AppIdentifier returns the runtime's application identifier. Instance
	// does not call it: incoming handshakes are checked against the appID
	// passed to NewInstance.
	AppIdentifier() string
}
