package cluster

import (
	"net"
	"testing"

	"github.com/coveynet/covey/pkg/types"
)

func testPeer(id types.NodeID, port int) types.Peer {
	return types.Peer{
		ID:       id,
		Addr:     &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(id)), Port: port},
		Protocol: types.ProtocolManagementUDP,
	}
}

func TestStaticNodes(t *testing.T) {
	nodes := NewStaticNodes(testPeer(1, 5694), testPeer(2, 5694))

	if nodes.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", nodes.Len())
	}

	p, ok := nodes.Lookup(1)
	if !ok || p.ID != 1 {
		t.Errorf("Lookup(1) = %v, %v", p, ok)
	}
	if _, ok := nodes.Lookup(9); ok {
		t.Error("Lookup(9) found a peer that was never added")
	}

	// Upsert replaces in place.
	nodes.Upsert(testPeer(2, 6000))
	p, ok = nodes.Lookup(2)
	if !ok || p.Addr.Port != 6000 {
		t.Errorf("Lookup(2) after Upsert = %v, %v", p, ok)
	}
	if nodes.Len() != 2 {
		t.Errorf("Len() after replace = %d, want 2", nodes.Len())
	}

	nodes.Upsert(testPeer(3, 5694))
	if nodes.Len() != 3 {
		t.Errorf("Len() after insert = %d, want 3", nodes.Len())
	}

	nodes.Remove(1)
	if _, ok := nodes.Lookup(1); ok {
		t.Error("Lookup(1) found a removed peer")
	}

	// Removing an unknown id is harmless.
	nodes.Remove(42)
	if nodes.Len() != 2 {
		t.Errorf("Len() = %d, want 2", nodes.Len())
	}
}

func TestStaticNodesSnapshot(t *testing.T) {
	nodes := NewStaticNodes(testPeer(3, 1), testPeer(1, 1), testPeer(2, 1))

	snap := nodes.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() length = %d, want 3", len(snap))
	}
	for i, want := range []types.NodeID{1, 2, 3} {
		if snap[i].ID != want {
			t.Errorf("Snapshot()[%d].ID = %d, want %d", i, snap[i].ID, want)
		}
	}
}
