package cluster

import (
	"errors"
	"net"

	"github.com/coveynet/covey/pkg/connector"
	"github.com/coveynet/covey/pkg/dtls"
)

const (
	// ManagementMaxSessions bounds the secured channel's session table.
	// Management meshes are small; a thousand covers generous headroom.
	ManagementMaxSessions = 1024

	// ManagementSenderCount is the plain channel's outbound pool size.
	ManagementSenderCount = 2
)

// ManagementChannel is the capability every management channel variant
// provides to the cluster connector. Start binds onto the shared
// cluster-internal socket and is a no-op when already running; Stop is a
// no-op when already stopped and never closes the shared socket.
// ProcessDatagram is the inbound entry used once the routing layer has
// classified a datagram as management traffic; Send transmits an
// already-addressed management message to a peer's management endpoint.
type ManagementChannel interface {
	Start() error
	Stop()
	IsRunning() bool
	ProcessDatagram(d connector.Datagram)
	Send(d connector.Datagram) error
}

// Health counts management channel activity. Both hooks fire per datagram:
// sends count once the transport accepted the message, receives count
// every datagram handed to inbound processing, handshake-only traffic
// included. A nil Health disables counting.
type Health interface {
	ManagementMessageSent()
	ManagementMessageReceived()
}

// RouterStats extends Health with routing counters. The connector upgrades
// its Health sink to this interface when available.
type RouterStats interface {
	DatagramForwarded()
	DatagramBackwarded()
	RoutingDropped(reason string)
}

var errNoSharedSocket = errors.New("shared management socket unavailable")

// udpChannel is the plain management channel: datagrams go out as-is over
// the shared socket through a small sender pool, inbound datagrams are
// handed straight to the transport's handler.
type udpChannel struct {
	conn   *connector.UDPConnector
	socket func() *net.UDPConn
	health Health
}

func (ch *udpChannel) Start() error {
	if ch.conn.IsRunning() {
		return nil
	}
	sock := ch.socket()
	if sock == nil {
		return errNoSharedSocket
	}
	return ch.conn.StartWithSocket(sock)
}

func (ch *udpChannel) Stop() {
	ch.conn.Stop()
}

func (ch *udpChannel) IsRunning() bool {
	return ch.conn.IsRunning()
}

func (ch *udpChannel) ProcessDatagram(d connector.Datagram) {
	ch.conn.ProcessDatagram(d)
	if ch.health != nil {
		ch.health.ManagementMessageReceived()
	}
}

func (ch *udpChannel) Send(d connector.Datagram) error {
	if err := ch.conn.Send(d); err != nil {
		return err
	}
	if ch.health != nil {
		ch.health.ManagementMessageSent()
	}
	return nil
}

// dtlsChannel is the secured management channel: a PSK transport bound
// onto the shared socket with the host's negotiated MTU. Handshake
// datagrams never surface payloads; only protected records reach the
// management consumer.
type dtlsChannel struct {
	conn   *dtls.Connector
	socket func() *net.UDPConn
	mtu    func() int
	health Health
}

func (ch *dtlsChannel) Start() error {
	if ch.conn.IsRunning() {
		return nil
	}
	sock := ch.socket()
	if sock == nil {
		return errNoSharedSocket
	}
	return ch.conn.StartWithSocket(sock, ch.mtu())
}

func (ch *dtlsChannel) Stop() {
	ch.conn.Stop()
}

func (ch *dtlsChannel) IsRunning() bool {
	return ch.conn.IsRunning()
}

func (ch *dtlsChannel) ProcessDatagram(d connector.Datagram) {
	ch.conn.ProcessDatagram(d)
	if ch.health != nil {
		ch.health.ManagementMessageReceived()
	}
}

func (ch *dtlsChannel) Send(d connector.Datagram) error {
	if err := ch.conn.Send(d); err != nil {
		return err
	}
	if ch.health != nil {
		ch.health.ManagementMessageSent()
	}
	return nil
}
