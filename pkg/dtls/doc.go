/*
Package dtls implements a PSK-authenticated secure datagram transport.

The transport runs a two-flight handshake over UDP, derives per-session
keys with HKDF, and seals application payloads with ChaCha20-Poly1305.
It is connectionless below the session layer: one socket serves any
number of peers, and sessions are tracked in a fixed-capacity table.

# Handshake

	client                                server
	  │                                      │
	  │  ClientHello {random, identity}      │
	  ├─────────────────────────────────────►│  lookup PSK, derive keys
	  │                                      │
	  │  ServerHello {random, session id}    │
	  │◄─────────────────────────────────────┤
	  │  derive keys                         │
	  │                                      │
	  │  Finished {sealed verify data}       │
	  ├─────────────────────────────────────►│  verify, session live
	  │                                      │
	  │  Data {sealed payload}               │
	  │◄────────────────────────────────────►│

Both sides feed the PSK and the two randoms into HKDF-SHA256 and expand
separate client-write and server-write ChaCha20-Poly1305 keys. The
Finished record proves the client derived the same keys; a server also
accepts the first valid data record as implicit completion, so a lost
Finished costs nothing.

Session IDs are eight bytes: the minting node's ID in the first four,
randomness in the rest. Data records carry the session ID in the clear
so a receiving socket can route them without trial decryption; the
record header is authenticated as associated data.

Unknown-session data records are answered with a plaintext alert. A
client receiving the alert drops its matching outbound session, but only
when the alert really came from the session's peer address, and
re-handshakes on the next send.

# Sending

Send on an established session seals and writes immediately. Send
without a session starts a handshake and queues the payload; queued
payloads flush in order when the handshake completes. Payloads larger
than MTU minus DataRecordOverhead are rejected with ErrPayloadTooLarge.

# Usage

	store, err := dtls.NewStaticPSK("sensor-fleet", key)
	if err != nil {
		log.Fatal(err)
	}

	conn, err := dtls.New(dtls.Config{
		BindAddr: ":5684",
		NodeID:   1,
		PSK:      store,
	})
	if err != nil {
		log.Fatal(err)
	}
	conn.SetHandler(func(d connector.Datagram) {
		// decrypted payload from an established session
	})
	if err := conn.Start(); err != nil {
		log.Fatal(err)
	}
	defer conn.Stop()

	err = conn.Send(connector.Datagram{Data: payload, Addr: peer})

A connector can also adopt a socket another component owns and reads:

	err := conn.StartWithSocket(sharedSock, 1400)

In that mode the owner pushes inbound datagrams in through
ProcessDatagram and the connector only writes.

# Key Hygiene

PSK stores copy key material on construction, and every derived or
expanded key is zeroized once the cipher holds its own state. ZeroKey is
exported for callers that hand their only copy to NewStaticPSK. Secret
material never appears in logs.

# Integration Points

This package integrates with:

  - pkg/connector: wraps its UDP connector for socket and queue handling
  - pkg/cluster: uses SessionOwner to route records between nodes and
    runs a second instance as the secured management channel
  - pkg/metrics: the Stats interface feeds handshake/session counters

# Thread Safety

All exported methods are safe for concurrent use. The session table
serializes its own access; record processing for a single peer happens
in arrival order.
*/
package dtls
