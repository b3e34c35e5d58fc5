package connector

import (
	"errors"
	"net"
)

// Datagram is one UDP payload together with its remote address. For inbound
// datagrams Addr is the sender; for outbound datagrams it is the
// destination.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// Handler consumes inbound datagrams. It is invoked synchronously on the
// goroutine that produced the datagram, so per-sender ordering is
// preserved; handlers that need concurrency fan out themselves.
type Handler func(d Datagram)

// Connector is the uniform datagram transport contract. Start and Stop are
// idempotent; Send accepts a datagram for transmission without any
// delivery guarantee beyond the socket write.
type Connector interface {
	Start() error
	Stop()
	IsRunning() bool
	Send(d Datagram) error
	SetHandler(h Handler)
	ProcessDatagram(d Datagram)
	LocalAddr() *net.UDPAddr
}

var (
	// ErrNotRunning is returned by Send when the connector is stopped.
	ErrNotRunning = errors.New("connector not running")
)
