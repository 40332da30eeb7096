package basp

import (
	"bytes"
	"testing"
)

// capturingFlusher records each flushed endpoint with a copy of its bytes
// taken during the call, since Flush resets the table's buffer afterwards.
type capturingFlusher struct {
	flushed []Endpoint
}

func (f *capturingFlusher) FlushEndpoint(ep Endpoint) {
	data := append([]byte(nil), ep.WriteBuffer.Bytes()...)
	f.flushed = append(f.flushed, Endpoint{WriteBuffer: bytes.NewBuffer(data), NextHop: ep.NextHop, Handle: ep.Handle})
}

func TestRoutingTableAddAndLookupDirect(t *testing.T) {
	tbl := NewRoutingTable(nil)
	n := newTestNodeID(t)
	tbl.Add(Handle(1), n)

	ep, ok := tbl.Lookup(n)
	if !ok {
		t.Fatal("expected a route after Add")
	}
	if ep.NextHop != n || ep.Handle != Handle(1) {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
}

func TestRoutingTableAtMostOneDirectRoutePerNode(t *testing.T) {
	tbl := NewRoutingTable(nil)
	n := newTestNodeID(t)
	tbl.Add(Handle(1), n)
	tbl.Add(Handle(2), n) // re-homes n onto handle 2

	if h, ok := tbl.LookupHandle(n); !ok || h != Handle(2) {
		t.Fatalf("expected n bound to handle 2, got %v, %v", h, ok)
	}
	if got := tbl.LookupNode(Handle(1)); !got.IsNone() {
		t.Fatalf("handle 1 should no longer map to any node, got %v", got)
	}
}

func TestRoutingTableAtMostOneDirectRoutePerHandle(t *testing.T) {
	tbl := NewRoutingTable(nil)
	h := Handle(1)
	n1 := newTestNodeID(t)
	n2 := newTestNodeID(t)
	tbl.Add(h, n1)
	tbl.Add(h, n2) // re-homes handle h onto n2

	if _, ok := tbl.LookupHandle(n1); ok {
		t.Fatal("n1 should no longer have a direct route")
	}
	if got, ok := tbl.LookupHandle(n2); !ok || got != h {
		t.Fatalf("expected n2 bound to handle %v, got %v, %v", h, got, ok)
	}
}

func TestRoutingTableEraseByHandlePurgesIndirect(t *testing.T) {
	tbl := NewRoutingTable(nil)
	direct := newTestNodeID(t)
	indirect := newTestNodeID(t)
	tbl.Add(Handle(1), direct)
	tbl.AddIndirect(indirect, direct)

	var purged []NodeId
	tbl.EraseByHandle(Handle(1), func(n NodeId) { purged = append(purged, n) })

	if _, ok := tbl.Lookup(direct); ok {
		t.Fatal("direct route should be gone")
	}
	if _, ok := tbl.Lookup(indirect); ok {
		t.Fatal("indirect route should be gone once its only next hop is erased")
	}
	if len(purged) != 2 {
		t.Fatalf("expected 2 purge callbacks (direct + indirect), got %d: %v", len(purged), purged)
	}
}

func TestRoutingTableIndirectIsStructureOnly(t *testing.T) {
	tbl := NewRoutingTable(nil)
	via := newTestNodeID(t)
	target := newTestNodeID(t)
	tbl.Add(Handle(1), via)
	tbl.AddIndirect(target, via)

	ep, ok := tbl.Lookup(target)
	if !ok {
		t.Fatal("expected an indirect route to resolve via the direct next hop")
	}
	if ep.NextHop != via {
		t.Fatalf("expected next hop %v, got %v", via, ep.NextHop)
	}

	tbl.RemoveIndirect(target, via)
	if _, ok := tbl.Lookup(target); ok {
		t.Fatal("expected the indirect route to be gone after RemoveIndirect")
	}
}

func TestRoutingTableAddIndirectIgnoredWhenDirectExists(t *testing.T) {
	tbl := NewRoutingTable(nil)
	n := newTestNodeID(t)
	via := newTestNodeID(t)
	tbl.Add(Handle(1), n)
	tbl.AddIndirect(n, via)

	ep, ok := tbl.Lookup(n)
	if !ok || ep.NextHop != n {
		t.Fatal("direct route must win over an indirect entry for the same node")
	}
}

func TestRoutingTableAddDropsIndirectForNewlyDirectNode(t *testing.T) {
	tbl := NewRoutingTable(nil)
	via := newTestNodeID(t)
	n := newTestNodeID(t)
	tbl.Add(Handle(1), via)
	tbl.AddIndirect(n, via)

	tbl.Add(Handle(2), n) // n is now directly reachable
	ep, ok := tbl.Lookup(n)
	if !ok || ep.NextHop != n || ep.Handle != Handle(2) {
		t.Fatalf("expected direct route to win, got %+v, %v", ep, ok)
	}
}

func TestRoutingTableLookupUnknownNode(t *testing.T) {
	tbl := NewRoutingTable(nil)
	if _, ok := tbl.Lookup(newTestNodeID(t)); ok {
		t.Fatal("expected no route for an unknown node")
	}
}

func TestRoutingTableFlushHandsBufferToFlusherAndResets(t *testing.T) {
	flusher := &capturingFlusher{}
	tbl := NewRoutingTable(flusher)
	n := newTestNodeID(t)
	tbl.Add(Handle(1), n)

	ep, _ := tbl.Lookup(n)
	ep.WriteBuffer.WriteString("frame bytes")
	tbl.Flush(ep)

	if len(flusher.flushed) != 1 {
		t.Fatalf("expected exactly one flush, got %d", len(flusher.flushed))
	}
	if flusher.flushed[0].WriteBuffer.String() != "frame bytes" {
		t.Fatal("flusher should see the bytes written before Flush")
	}
	if ep.WriteBuffer.Len() != 0 {
		t.Fatal("write buffer should be reset after Flush")
	}
}

func TestRoutingTableDirectHandles(t *testing.T) {
	tbl := NewRoutingTable(nil)
	tbl.Add(Handle(1), newTestNodeID(t))
	tbl.Add(Handle(2), newTestNodeID(t))

	handles := tbl.DirectHandles()
	if len(handles) != 2 {
		t.Fatalf("expected 2 direct handles, got %d", len(handles))
	}
}

func TestRoutingTableSnapshot(t *testing.T) {
	tbl := NewRoutingTable(nil)
	direct := newTestNodeID(t)
	indirectNode := newTestNodeID(t)
	tbl.Add(Handle(1), direct)
	tbl.AddIndirect(indirectNode, direct)

	snap := tbl.Snapshot()
	if len(snap.Direct) != 1 || len(snap.Indirect) != 1 {
		t.Fatalf("unexpected snapshot shape: %+v", snap)
	}
}
