package basp

import "testing"

func newTestNodeID(t *testing.T) NodeId {
	t.Helper()
	n, err := NewNodeID()
	if err != nil {
		t.Fatalf("NewNodeID: %v", err)
	}
	return n
}
