package basp

import "bytes"

// Endpoint is a routing lookup result: a reference to an accumulated write
// buffer and the identity of the next hop toward the destination. An
// Endpoint is valid only until the next mutation of the RoutingTable that
// produced it; callers that need it to outlive a mutation must copy
// NextHop/Handle and re-Lookup afterward.
type Endpoint struct {
	WriteBuffer *bytes.Buffer
	NextHop     NodeId
	Handle      Handle
}

// Flusher hands a flushed endpoint's buffer to the broker for transmission.
// RoutingTable itself never performs I/O; Flush only clears the local
// accumulation buffer after the caller has taken its bytes.
type Flusher interface {
	FlushEndpoint(ep Endpoint)
}

type routeEntry struct {
	handle Handle
	wrBuf  *bytes.Buffer
}

// RoutingTable holds the direct and indirect routes known to one Instance.
// It keeps two maps consistent (node->handle and handle->node) instead of
// aliasing pointers between them, per the dual node<->handle mapping
// design: every mutation updates both sides atomically from the caller's
// point of view (the table is only ever touched from the single
// dispatch-loop goroutine that owns the owning Instance).
type RoutingTable struct {
	directByNode   map[NodeId]routeEntry
	directByHandle map[Handle]NodeId
	indirect       map[NodeId]map[NodeId]struct{}
	flusher        Flusher
}

// NewRoutingTable constructs an empty RoutingTable. flusher may be nil; a
// nil flusher makes Flush a no-op, useful in tests that only assert on
// table state.
func NewRoutingTable(flusher Flusher) *RoutingTable {
	return &RoutingTable{
		directByNode:   make(map[NodeId]routeEntry),
		directByHandle: make(map[Handle]NodeId),
		indirect:       make(map[NodeId]map[NodeId]struct{}),
		flusher:        flusher,
	}
}

// Add inserts a direct route (handle, node). If either side is already
// present under a different pairing, the stale entries are removed first
// so the at-most-one-direct-route invariant holds afterward. Any indirect
// entry for n is dropped, since a direct route now exists.
func (t *RoutingTable) Add(h Handle, n NodeId) {
	if existingNode, ok := t.directByHandle[h]; ok && existingNode != n {
		delete(t.directByNode, existingNode)
	}
	if existing, ok := t.directByNode[n]; ok && existing.handle != h {
		delete(t.directByHandle, existing.handle)
	}
	t.directByNode[n] = routeEntry{handle: h, wrBuf: &bytes.Buffer{}}
	t.directByHandle[h] = n
	delete(t.indirect, n)
}

// EraseByHandle removes the direct route bound to h (if any) and every
// indirect route whose next hop is that node, invoking cb once for each
// node thereby removed.
func (t *RoutingTable) EraseByHandle(h Handle, cb func(NodeId)) {
	n, ok := t.directByHandle[h]
	if !ok {
		return
	}
	t.eraseNode(n, cb)
}

// EraseByNode removes the direct route to n (if any), symmetric to
// EraseByHandle.
func (t *RoutingTable) EraseByNode(n NodeId, cb func(NodeId)) {
	if _, ok := t.directByNode[n]; !ok {
		return
	}
	t.eraseNode(n, cb)
}

func (t *RoutingTable) eraseNode(n NodeId, cb func(NodeId)) {
	entry, ok := t.directByNode[n]
	if ok {
		delete(t.directByNode, n)
		delete(t.directByHandle, entry.handle)
	}
	if cb != nil {
		cb(n)
	}
	for indirectNode, nextHops := range t.indirect {
		if _, via := nextHops[n]; via {
			delete(nextHops, n)
			if len(nextHops) == 0 {
				delete(t.indirect, indirectNode)
				if cb != nil {
					cb(indirectNode)
				}
			}
		}
	}
}

// Lookup returns a direct endpoint for n if one exists; otherwise, if n is
// reachable indirectly, it returns the endpoint of an arbitrary next hop.
// It returns false if n is unreachable.
func (t *RoutingTable) Lookup(n NodeId) (Endpoint, bool) {
	if entry, ok := t.directByNode[n]; ok {
		return Endpoint{WriteBuffer: entry.wrBuf, NextHop: n, Handle: entry.handle}, true
	}
	if nextHops, ok := t.indirect[n]; ok {
		for nextHop := range nextHops {
			if entry, ok := t.directByNode[nextHop]; ok {
				return Endpoint{WriteBuffer: entry.wrBuf, NextHop: nextHop, Handle: entry.handle}, true
			}
		}
	}
	return Endpoint{}, false
}

// LookupHandle returns the direct handle for n, with no indirection.
func (t *RoutingTable) LookupHandle(n NodeId) (Handle, bool) {
	entry, ok := t.directByNode[n]
	if !ok {
		return NoHandle, false
	}
	return entry.handle, true
}

// LookupNode is the reverse of LookupHandle: the node directly bound to h,
// or NodeNone if h is unknown.
func (t *RoutingTable) LookupNode(h Handle) NodeId {
	if n, ok := t.directByHandle[h]; ok {
		return n
	}
	return NodeNone
}

// AddIndirect records that via is a known path to n, without making it a
// direct route. Indirect routes are structure-only: nothing in this
// module populates them automatically; an upper layer must call this
// explicitly if it wants indirect forwarding.
func (t *RoutingTable) AddIndirect(n, via NodeId) {
	if _, ok := t.directByNode[n]; ok {
		return
	}
	hops, ok := t.indirect[n]
	if !ok {
		hops = make(map[NodeId]struct{})
		t.indirect[n] = hops
	}
	hops[via] = struct{}{}
}

// RemoveIndirect drops the record that via is a path to n.
func (t *RoutingTable) RemoveIndirect(n, via NodeId) {
	hops, ok := t.indirect[n]
	if !ok {
		return
	}
	delete(hops, via)
	if len(hops) == 0 {
		delete(t.indirect, n)
	}
}

// Flush hands ep's accumulated write buffer to the configured Flusher and
// resets the buffer for the next round of writes.
func (t *RoutingTable) Flush(ep Endpoint) {
	if t.flusher != nil {
		t.flusher.FlushEndpoint(ep)
	}
	ep.WriteBuffer.Reset()
}

// DirectHandles returns every handle with a live direct route, for use by
// callers that need to broadcast to all direct peers (e.g. heartbeats).
func (t *RoutingTable) DirectHandles() []Handle {
	handles := make([]Handle, 0, len(t.directByHandle))
	for h := range t.directByHandle {
		handles = append(handles, h)
	}
	return handles
}

// DirectRoute is one row of Snapshot's direct-route listing.
type DirectRoute struct {
	Node   NodeId
	Handle Handle
}

// IndirectRoute is one row of Snapshot's indirect-route listing.
type IndirectRoute struct {
	Node    NodeId
	ViaNode []NodeId
}

// RoutingSnapshot is a point-in-time, read-only copy of a RoutingTable's
// contents, for admin inspection.
type RoutingSnapshot struct {
	Direct   []DirectRoute
	Indirect []IndirectRoute
}

// Snapshot copies out the current routing state.
func (t *RoutingTable) Snapshot() RoutingSnapshot {
	snap := RoutingSnapshot{
		Direct:   make([]DirectRoute, 0, len(t.directByNode)),
		Indirect: make([]IndirectRoute, 0, len(t.indirect)),
	}
	for n, entry := range t.directByNode {
		snap.Direct = append(snap.Direct, DirectRoute{Node: n, Handle: entry.handle})
	}
	for n, hops := range t.indirect {
		via := make([]NodeId, 0, len(hops))
		for h := range hops {
			via = append(via, h)
		}
		snap.Indirect = append(snap.Indirect, IndirectRoute{Node: n, ViaNode: via})
	}
	return snap
}
