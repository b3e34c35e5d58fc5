package types

import (
	"fmt"
	"net"
)

// NodeID identifies a cluster node. IDs are assigned by the operator and
// must be unique and stable across restarts; they are embedded into session
// identifiers so that every node can tell which peer owns a session.
type NodeID uint32

// String renders the id the way it appears in logs and gossip metadata.
func (id NodeID) String() string {
	return fmt.Sprintf("node-%d", uint32(id))
}

// Protocol tags the management channel variant a node runs. Peers use the
// tag to agree on how to reach each other's management endpoint.
type Protocol string

const (
	// ProtocolManagementUDP is the plain datagram management channel.
	ProtocolManagementUDP Protocol = "mgmt-udp"
	// ProtocolManagementDTLS is the PSK-secured management channel.
	ProtocolManagementDTLS Protocol = "mgmt-dtls"
)

// Valid reports whether the tag names a known management protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolManagementUDP || p == ProtocolManagementDTLS
}

// Peer describes another cluster node's management endpoint.
type Peer struct {
	ID       NodeID
	Addr     *net.UDPAddr // management endpoint
	Protocol Protocol
}
