/*
Package connector provides the plain UDP datagram connector underlying
every Covey transport.

A connector owns receiver and sender goroutine pools around one UDP
socket. Inbound datagrams are handed to a single handler synchronously,
preserving per-peer arrival order; outbound datagrams pass through a
bounded queue whose capacity is the backpressure point, then serialize
at the socket write.

# Socket Ownership

Start binds a socket from Config.BindAddr and the connector owns it:
Stop closes it. StartWithSocket adopts a socket some other component
owns; the connector then runs zero receivers, never reads, and never
closes the socket. The adopting component feeds inbound traffic through
ProcessDatagram. The cluster layer uses this mode to bind two transports
onto one shared management socket.

# Usage

	conn := connector.New(connector.Config{
		BindAddr:      ":5684",
		ReceiverCount: 2,
	})
	conn.SetHandler(func(d connector.Datagram) {
		// d.Data is this connector's copy; d.Addr is the source
	})
	if err := conn.Start(); err != nil {
		log.Fatal(err)
	}
	defer conn.Stop()

	err := conn.Send(connector.Datagram{Data: payload, Addr: peer})

Send blocks while the queue is full and returns ErrNotRunning once the
connector stops.

# Integration Points

This package integrates with:

  - pkg/dtls: wraps a connector for its record transport
  - pkg/cluster: plain management channel and shared-socket adoption
*/
package connector
