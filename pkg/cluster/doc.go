/*
Package cluster connects secure datagram endpoints into a cluster that
survives load balancers moving clients between nodes.

Every session handshaken on a node carries that node's ID in its session
ID. When a record for a foreign session arrives, the connector wraps it
in an envelope and sends it to the owning node over a dedicated
management channel; the owner processes it against its live session and
routes the reply back the same way. Clients keep their sessions without
re-handshaking no matter which node receives their packets.

# Architecture

	┌────────────────────── CLUSTER CONNECTOR ─────────────────────┐
	│                                                               │
	│   client socket                        management socket      │
	│        │                                      │               │
	│  ┌─────▼──────────┐                 ┌─────────▼───────────┐   │
	│  │  client loop   │                 │   management loop   │   │
	│  │  - classify by │                 │  - hand datagram to │   │
	│  │    session     │                 │    current channel  │   │
	│  │    owner       │                 └─────────┬───────────┘   │
	│  └─────┬─────┬────┘                           │               │
	│        │     │ foreign session      ┌─────────▼───────────┐   │
	│  local │     └─────────────────────►│ ManagementChannel   │   │
	│        │        forward envelope    │  - plain UDP, or    │   │
	│  ┌─────▼──────────┐                 │  - PSK-secured      │   │
	│  │ dtls endpoint  │                 │  - 0 receivers      │   │
	│  │  - handshake   │                 │  - 2 senders        │   │
	│  │  - decrypt     │                 └─────────┬───────────┘   │
	│  │  - deliver     │                           │               │
	│  └─────┬──────────┘                 ┌─────────▼───────────┐   │
	│        │ replies                    │  envelope handler   │   │
	│  ┌─────▼──────────┐                 │  - forward: feed    │   │
	│  │     egress     │                 │    endpoint, learn  │   │
	│  │  - via table   │◄────────────────│    return path      │   │
	│  │    hit: wrap   │                 │  - backward: write  │   │
	│  │    backward    │                 │    client socket    │   │
	│  │  - miss: write │                 └─────────────────────┘   │
	│  │    directly    │                                           │
	│  └────────────────┘                                           │
	└───────────────────────────────────────────────────────────────┘

# Management Channel

The channel is selected once at construction and never changes at
runtime. Configuring a PSK identity and key yields the secured variant
(protocol "mgmt-dtls"); leaving both empty yields plain UDP
("mgmt-udp"). Configuring exactly one of the two is a fatal error: a
node that asked for security never degrades to a plain channel.

Both variants share the connector's management socket rather than
binding their own. They run zero receivers, because the connector's
management loop owns all reads from that socket, and two senders.

Datagram buffers for the management socket derive from the host
endpoint's: each configured host buffer is widened by EnvelopeOverhead
exactly once, so a full-size client datagram still fits after
wrapping. Unset host buffers stay unset.

# Forwarding

Session IDs embed the minting node's ID in their first four bytes. The
client loop reads the owner straight from the record without touching
any session state:

  - handshake records are always processed locally; whoever receives a
    ClientHello owns the resulting session
  - data records owned by this node go to the local endpoint
  - data records owned by a known peer are wrapped in a forward envelope
    and sent through the management channel
  - records whose owner is unknown fall through to the local endpoint,
    which answers with an alert so the client re-handshakes

A node receiving a forward envelope remembers which peer the client
came through. Replies for that client are wrapped in backward envelopes
to the same peer, which writes them to the client from the address the
client originally contacted. The memory expires after ViaTTL without
fresh forwards.

# Usage

Construction and lifecycle:

	nodes := cluster.NewStaticNodes(
		types.Peer{ID: 2, Addr: peer2Mgmt, Protocol: types.ProtocolManagementDTLS},
	)

	conn, err := cluster.New(dtls.Config{
		BindAddr: ":5684",
		PSK:      clientStore,
	}, cluster.Config{
		NodeID:   1,
		BindAddr: ":5694",
		Identity: "cluster-mgmt",
		Key:      mgmtKey, // zeroized by New
		Nodes:    nodes,
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := conn.Start(); err != nil {
		log.Fatal(err)
	}
	defer conn.Stop()

Application traffic:

	endpoint := conn.Endpoint()
	endpoint.SetHandler(func(d connector.Datagram) {
		// d.Data is the decrypted payload, d.Addr the client address.
		endpoint.Send(d) // replies route backward automatically
	})

# Interplay of Start and Stop

Start brings up the client socket, the management socket, the endpoint,
the channel, and the two loops, in that order; any failure unwinds what
already started and returns the connector to the stopped state. Stop
reverses the order and waits for the loops to drain. Both are no-ops
when already in the requested state, and Stop is safe concurrently with
datagram processing.

# Integration Points

This package integrates with:

  - pkg/dtls: client-facing endpoint and the secured channel transport
  - pkg/connector: plain channel transport and the datagram type
  - pkg/discovery: feeds the peer table from gossip membership
  - pkg/metrics: Health and RouterStats sinks count channel and routing
    events

# Thread Safety

All exported methods are safe for concurrent use. Inbound datagrams for
one peer are processed synchronously in socket order; sends serialize
only at the transport's write stage.
*/
package cluster
