package cluster

import (
	"sort"
	"sync"

	"github.com/coveynet/covey/pkg/types"
)

// Nodes resolves cluster peers by id. The routing layer consults it for
// every forwarding decision; implementations must be safe for concurrent
// use.
type Nodes interface {
	Lookup(id types.NodeID) (types.Peer, bool)
}

// StaticNodes is a mutable in-memory peer table. It serves statically
// configured clusters directly and doubles as the registry discovery
// feeds.
type StaticNodes struct {
	mu    sync.RWMutex
	peers map[types.NodeID]types.Peer
}

// NewStaticNodes creates a peer table seeded with the given peers.
func NewStaticNodes(peers ...types.Peer) *StaticNodes {
	n := &StaticNodes{peers: make(map[types.NodeID]types.Peer, len(peers))}
	for _, p := range peers {
		n.peers[p.ID] = p
	}
	return n
}

// Lookup returns the peer with the given id.
func (n *StaticNodes) Lookup(id types.NodeID) (types.Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[id]
	return p, ok
}

// Upsert adds or replaces a peer.
func (n *StaticNodes) Upsert(p types.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[p.ID] = p
}

// Remove drops a peer.
func (n *StaticNodes) Remove(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// Len returns the number of known peers.
func (n *StaticNodes) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Snapshot returns all peers ordered by id.
func (n *StaticNodes) Snapshot() []types.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	peers := make([]types.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}
