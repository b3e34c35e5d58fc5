package connector

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/coveynet/covey/pkg/log"
)

const (
	// DefaultDatagramSize is the per-read buffer size. UDP payloads cannot
	// exceed 65535 bytes, so this never truncates.
	DefaultDatagramSize = 65535

	// DefaultQueueSize is the outbound queue capacity.
	DefaultQueueSize = 128

	// DefaultSenderCount is the outbound goroutine pool size.
	DefaultSenderCount = 1
)

// Config holds UDP connector configuration
type Config struct {
	BindAddr       string // address to bind when no socket is adopted
	ReceiverCount  int    // inbound goroutines; 0 = inbound pumped via ProcessDatagram
	SenderCount    int    // outbound goroutines (default: 1)
	QueueSize      int    // outbound queue capacity (default: 128)
	RecvBufferSize int    // socket receive buffer; 0 = OS default
	SendBufferSize int    // socket send buffer; 0 = OS default
	DatagramSize   int    // per-read buffer size (default: 65535)
}

// UDPConnector is a plain datagram transport. It either binds its own
// socket (Start) or attaches to a socket owned by someone else
// (StartWithSocket); adopted sockets are never closed on Stop and their
// reads stay with the owner.
type UDPConnector struct {
	cfg     Config
	handler Handler

	mu      sync.RWMutex
	running bool
	sock    *net.UDPConn
	owned   bool
	out     chan Datagram
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a UDP connector with defaults applied.
func New(cfg Config) *UDPConnector {
	if cfg.SenderCount <= 0 {
		cfg.SenderCount = DefaultSenderCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DatagramSize <= 0 {
		cfg.DatagramSize = DefaultDatagramSize
	}
	return &UDPConnector{cfg: cfg}
}

// SetHandler installs the inbound datagram consumer. Must be called before
// Start; datagrams arriving without a handler are dropped.
func (c *UDPConnector) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Start binds the configured address and starts the receiver and sender
// goroutines. Calling Start on a running connector is a no-op.
func (c *UDPConnector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", c.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address %q: %w", c.cfg.BindAddr, err)
	}
	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %q: %w", c.cfg.BindAddr, err)
	}
	if err := c.startLocked(sock, true); err != nil {
		sock.Close()
		return err
	}
	return nil
}

// StartWithSocket attaches the connector to an externally owned socket.
// The socket is not closed on Stop. Inbound reads stay with the socket
// owner, so ReceiverCount must be zero in this mode; inbound datagrams are
// pumped in through ProcessDatagram.
func (c *UDPConnector) StartWithSocket(sock *net.UDPConn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.cfg.ReceiverCount != 0 {
		return fmt.Errorf("adopted socket requires zero receivers, got %d", c.cfg.ReceiverCount)
	}
	if sock == nil {
		return errors.New("nil socket")
	}
	return c.startLocked(sock, false)
}

// startLocked finishes startup once a socket is available. Caller holds the
// write lock and owns socket cleanup on error.
func (c *UDPConnector) startLocked(sock *net.UDPConn, owned bool) error {
	if c.cfg.RecvBufferSize > 0 {
		if err := sock.SetReadBuffer(c.cfg.RecvBufferSize); err != nil {
			return fmt.Errorf("failed to set receive buffer to %d: %w", c.cfg.RecvBufferSize, err)
		}
	}
	if c.cfg.SendBufferSize > 0 {
		if err := sock.SetWriteBuffer(c.cfg.SendBufferSize); err != nil {
			return fmt.Errorf("failed to set send buffer to %d: %w", c.cfg.SendBufferSize, err)
		}
	}

	c.sock = sock
	c.owned = owned
	c.out = make(chan Datagram, c.cfg.QueueSize)
	c.stopCh = make(chan struct{})

	for i := 0; i < c.cfg.ReceiverCount; i++ {
		c.wg.Add(1)
		go c.receiveLoop(sock)
	}
	for i := 0; i < c.cfg.SenderCount; i++ {
		c.wg.Add(1)
		go c.sendLoop(sock, c.out, c.stopCh)
	}

	c.running = true

	log.Logger.Info().
		Str("component", "connector").
		Str("address", sock.LocalAddr().String()).
		Bool("owned_socket", owned).
		Int("receivers", c.cfg.ReceiverCount).
		Int("senders", c.cfg.SenderCount).
		Int("recv_buffer", c.cfg.RecvBufferSize).
		Int("send_buffer", c.cfg.SendBufferSize).
		Msg("udp connector started")

	return nil
}

// Stop halts the goroutines and, for owned sockets, closes the socket.
// Calling Stop on a stopped connector is a no-op. Queued outbound
// datagrams that have not reached the socket are dropped.
func (c *UDPConnector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	if c.owned {
		c.sock.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()

	log.Logger.Info().
		Str("component", "connector").
		Msg("udp connector stopped")
}

// IsRunning returns true if the connector is running
func (c *UDPConnector) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// LocalAddr returns the bound address, or nil before Start.
func (c *UDPConnector) LocalAddr() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sock == nil {
		return nil
	}
	addr, ok := c.sock.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return addr
}

// Send queues a datagram for transmission. It blocks only while the
// outbound queue is full, which is the socket-write serialization point.
func (c *UDPConnector) Send(d Datagram) error {
	c.mu.RLock()
	if !c.running {
		c.mu.RUnlock()
		return ErrNotRunning
	}
	out, stop := c.out, c.stopCh
	c.mu.RUnlock()

	select {
	case out <- d:
		return nil
	case <-stop:
		return ErrNotRunning
	}
}

// ProcessDatagram hands an externally read datagram to the handler. Used
// when the socket is owned elsewhere and its reads are demultiplexed by
// the owner. The call is synchronous; a stopped connector drops silently.
func (c *UDPConnector) ProcessDatagram(d Datagram) {
	c.mu.RLock()
	h := c.handler
	running := c.running
	c.mu.RUnlock()

	if !running {
		return
	}
	if h == nil {
		log.Logger.Debug().
			Str("component", "connector").
			Str("peer", d.Addr.String()).
			Msg("dropping datagram, no handler installed")
		return
	}
	h(d)
}

func (c *UDPConnector) receiveLoop(sock *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, c.cfg.DatagramSize)
	for {
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !c.IsRunning() {
				return
			}
			log.Logger.Warn().
				Err(err).
				Str("component", "connector").
				Msg("udp read failed")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.ProcessDatagram(Datagram{Data: data, Addr: addr})
	}
}

func (c *UDPConnector) sendLoop(sock *net.UDPConn, out <-chan Datagram, stop <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-stop:
			return
		case d := <-out:
			if _, err := sock.WriteToUDP(d.Data, d.Addr); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Logger.Warn().
					Err(err).
					Str("component", "connector").
					Str("peer", d.Addr.String()).
					Msg("udp write failed")
			}
		}
	}
}
