/*
Package types defines the shared vocabulary of a Covey cluster.

It holds the small set of identifiers every other package speaks: node
identities, management protocol tags, and peer descriptors. Keeping them
here keeps the transport packages (pkg/connector, pkg/dtls) importable
without dragging in the cluster logic that uses them.

# Core Types

  - NodeID: stable uint32 identity of a cluster node; embedded into the
    first four bytes of every session id minted by that node, which is how
    any node can tell who owns a session it did not establish.
  - Protocol: tag naming the management channel variant ("mgmt-udp" or
    "mgmt-dtls"); advertised through discovery so peers know how to reach
    a node's management endpoint.
  - Peer: a remote node's identity, management address, and protocol tag.

# Usage

	peer := types.Peer{
		ID:       types.NodeID(7),
		Addr:     mgmtAddr,
		Protocol: types.ProtocolManagementDTLS,
	}

# Integration Points

  - pkg/dtls mints session ids with the local NodeID prefix
  - pkg/cluster routes datagrams by looking Peers up by NodeID
  - pkg/discovery gossips Peers as memberlist node metadata
  - pkg/config resolves statically configured peers into Peers

# Thread Safety

All types are plain values; concurrent mutation must be synchronized by
callers (pkg/cluster's peer table does this).
*/
package types
