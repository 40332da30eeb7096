package basp

import (
	"fmt"
	"sort"
	"sync/atomic"
)

const defaultVirtualNodes = 150

// AddressRing is a consistent hash ring over a set of dial-able addresses
// for a single multi-homed node. When a node advertises more than one
// reachable address, the broker uses this to pick a deterministic
// preferred address for a given lookup key (typically the local node's
// own id), so two independent processes dialing the same remote node
// agree on the same address without coordinating. Reads are lock-free
// (atomic pointer load); writes rebuild the ring immutably and swap the
// pointer.
type AddressRing struct {
	state atomic.Pointer[ringState]
}

type ringState struct {
	vnodes  []vnode
	members []string // sorted addresses
}

type vnode struct {
	hash    uint64
	address string
}

// NewAddressRing returns an empty ring.
func NewAddressRing() *AddressRing {
	r := &AddressRing{}
	r.state.Store(&ringState{})
	return r
}

// Preferred returns the address the ring assigns to key. Returns ("",
// false) if the ring has no members.
func (r *AddressRing) Preferred(key string) (string, bool) {
	s := r.state.Load()
	if len(s.vnodes) == 0 {
		return "", false
	}
	h := fnvHash64(key)
	idx := sort.Search(len(s.vnodes), func(i int) bool {
		return s.vnodes[i].hash >= h
	})
	if idx >= len(s.vnodes) {
		idx = 0
	}
	return s.vnodes[idx].address, true
}

// Set rebuilds the ring with the given addresses. Deterministic: the same
// address set always produces the same ring regardless of input order.
func (r *AddressRing) Set(addresses []string) {
	sorted := make([]string, len(addresses))
	copy(sorted, addresses)
	sort.Strings(sorted)

	var vnodes []vnode
	for _, addr := range sorted {
		for i := 0; i < defaultVirtualNodes; i++ {
			key := fmt.Sprintf("%s#%d", addr, i)
			vnodes = append(vnodes, vnode{hash: fnvHash64(key), address: addr})
		}
	}
	sort.Slice(vnodes, func(i, j int) bool {
		return vnodes[i].hash < vnodes[j].hash
	})

	r.state.Store(&ringState{vnodes: vnodes, members: sorted})
}

// Members returns the current address list (sorted).
func (r *AddressRing) Members() []string {
	s := r.state.Load()
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// fnvHash64 returns the FNV-1a 64-bit hash of s. Inlined to avoid the
// allocation from fnv.New64a() and a string-to-[]byte copy.
func fnvHash64(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
