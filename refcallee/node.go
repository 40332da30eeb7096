package refcallee

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basp-io/basp"
)

// ErrRequestTimeout is returned by Ask when ctx is done before a reply
// with the matching mid arrives.
var ErrRequestTimeout = errors.New("refcallee: request timed out")

// ErrNoRoute is returned by Ask when the instance has no path to the
// destination node.
var ErrNoRoute = errors.New("refcallee: no route to destination")

const pendingShards = 64

type pendingShard struct {
	mu sync.Mutex
	m  map[uint64]chan Envelope
}

// Node is a reference basp.Callee: named-mailbox delivery for unsolicited
// messages, plus mid-correlated request/reply for Ask. It has no opinion
// about actor scheduling, supervision, or persistence — those are the
// surrounding runtime's job, which this module explicitly does not build.
type Node struct {
	appID    string
	registry *Registry
	instance *basp.Instance

	mid     atomic.Uint64
	pending [pendingShards]pendingShard
}

// NewNode returns a Node identifying itself with appID, delivering
// unsolicited named messages into registry. Call Bind once the owning
// basp.Instance exists (Instance and Callee are constructed in a cycle:
// NewInstance needs a Callee, and Ask needs the Instance it drives).
func NewNode(appID string, registry *Registry) *Node {
	n := &Node{appID: appID, registry: registry}
	for i := range n.pending {
		n.pending[i].m = make(map[uint64]chan Envelope)
	}
	return n
}

// Bind attaches the Instance this Node sends through. Must be called
// before Ask.
func (n *Node) Bind(instance *basp.Instance) {
	n.instance = instance
}

// Registry returns the mailbox directory this Node delivers unsolicited
// named messages into.
func (n *Node) Registry() *Registry {
	return n.registry
}

func (n *Node) shard(mid uint64) *pendingShard {
	return &n.pending[mid%pendingShards]
}

// Ask sends body to receiverName on destNode and blocks for a reply
// carrying the same message id, or until ctx is done.
func (n *Node) Ask(ctx context.Context, destNode basp.NodeId, receiverName string, body []byte) (Envelope, error) {
	mid := n.mid.Add(1)
	reply := make(chan Envelope, 1)
	s := n.shard(mid)
	s.mu.Lock()
	s.m[mid] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.m, mid)
		s.mu.Unlock()
	}()

	if !n.instance.DispatchNamed(n.instance.ThisNode(), basp.InvalidActorID, nil, destNode, receiverName, mid, body) {
		return Envelope{}, ErrNoRoute
	}

	select {
	case env := <-reply:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ErrRequestTimeout
	}
}

// Reply sends body back to srcNode/srcActor as a reply to the request
// identified by mid, matching env's SourceNode/SourceActor/Mid from a
// prior Deliver.
func (n *Node) Reply(env Envelope, body []byte) bool {
	var destNode basp.NodeId
	copy(destNode[:], env.SourceNode[:])
	return n.instance.Dispatch(n.instance.ThisNode(), basp.InvalidActorID, nil, destNode, basp.ActorID(env.SourceActor), env.Mid, body)
}

func (n *Node) FinalizeHandshake(node basp.NodeId, actorID basp.ActorID, interfaces map[string]struct{}) {
	slog.Info("refcallee: handshake finalized", "node", node, "actor", actorID, "interfaces", len(interfaces))
}

func (n *Node) PurgeState(node basp.NodeId) {
	slog.Info("refcallee: purging state", "node", node)
}

func (n *Node) ProxyAnnounced(node basp.NodeId, actorID basp.ActorID) {
	slog.Info("refcallee: proxy announced", "node", node, "actor", actorID)
}

func (n *Node) KillProxy(node basp.NodeId, actorID basp.ActorID, reason error) {
	slog.Info("refcallee: kill proxy", "node", node, "actor", actorID, "reason", reason)
}

// Deliver routes a decoded dispatch_message. A message whose mid matches
// an outstanding Ask is treated as that request's reply and never reaches
// a mailbox, regardless of the named flag. Otherwise, named receivers are
// routed to their mailbox; unnamed receivers have no local target in this
// reference runtime and are dropped with a warning.
func (n *Node) Deliver(srcNode basp.NodeId, srcActor basp.ActorID, named bool, receiverName string, receiverActor basp.ActorID, mid uint64, stack []basp.ActorID, msg []byte) {
	env := Envelope{SourceNode: srcNode, SourceActor: int64(srcActor), Mid: mid, Body: msg}
	env.Stack = make([]int64, len(stack))
	for i, a := range stack {
		env.Stack[i] = int64(a)
	}

	s := n.shard(mid)
	s.mu.Lock()
	reply, ok := s.m[mid]
	s.mu.Unlock()
	if ok {
		reply <- env
		return
	}

	if !named {
		slog.Warn("refcallee: dropping unnamed dispatch with no pending request", "mid", mid, "dest_actor", receiverActor)
		return
	}
	mb, ok := n.registry.Lookup(receiverName)
	if !ok {
		slog.Warn("refcallee: no mailbox for receiver", "receiver", receiverName)
		return
	}
	if !mb.deliver(env) {
		slog.Warn("refcallee: mailbox full, dropping message", "receiver", receiverName)
	}
}

func (n *Node) LearnedNewNodeDirectly(node basp.NodeId) {
	slog.Info("refcallee: learned node directly", "node", node)
}

func (n *Node) LearnedNewNodeIndirectly(node basp.NodeId) {
	slog.Info("refcallee: learned node indirectly", "node", node)
}

func (n *Node) HandleHeartbeat(node basp.NodeId) {
	slog.Debug("refcallee: heartbeat", "node", node)
}

func (n *Node) AppIdentifier() string {
	return n.appID
}
