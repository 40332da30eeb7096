package basp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
)

// NodeId is an opaque, comparable identity for a BASP peer. The zero value,
// NodeNone, denotes "unknown/absent" and must never be mistaken for a real
// node.
type NodeId [16]byte

// NodeNone is the sentinel meaning "unknown/absent".
var NodeNone NodeId

// NewNodeID derives a node identity from the local hostname, process id,
// and a block of random bytes, hashed together so that two processes on
// the same host still get distinct ids. It is not meant to be recoverable
// or comparable across process restarts.
func NewNodeID() (NodeId, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	var rnd [16]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return NodeNone, fmt.Errorf("basp: generate node id: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(host))
	var pidBuf [8]byte
	binary.BigEndian.PutUint64(pidBuf[:], uint64(os.Getpid()))
	h.Write(pidBuf[:])
	h.Write(rnd[:])
	sum := h.Sum(nil)
	var id NodeId
	copy(id[:], sum[:16])
	return id, nil
}

// IsNone reports whether n is the sentinel "unknown/absent" value.
func (n NodeId) IsNone() bool {
	return n == NodeNone
}

func (n NodeId) String() string {
	if n.IsNone() {
		return "none"
	}
	return hex.EncodeToString(n[:])
}
