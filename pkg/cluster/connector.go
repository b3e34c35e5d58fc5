package cluster

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coveynet/covey/pkg/connector"
	"github.com/coveynet/covey/pkg/dtls"
	"github.com/coveynet/covey/pkg/log"
	"github.com/coveynet/covey/pkg/types"
)

// DefaultViaTTL bounds how long a node remembers which peer forwarded a
// client's traffic, which is how long replies keep flowing backward
// through that peer after the last forward.
const DefaultViaTTL = 2 * time.Minute

var (
	// ErrPSKConfig is returned when exactly one of the management PSK
	// identity and key is configured. Half a credential never degrades
	// to a plain channel.
	ErrPSKConfig = errors.New("management psk identity and key must be configured together")
)

// Config holds the cluster-side configuration of a connector. The host
// side (client-facing endpoint) is configured separately through
// dtls.Config.
type Config struct {
	NodeID   types.NodeID
	BindAddr string // management (cluster-internal) bind address

	// Identity and Key select the secured management channel; both empty
	// selects the plain one. New zeroizes Key on every return path, so
	// the caller's slice is cleared once construction consumed it.
	Identity string
	Key      []byte

	Health         Health     // optional counter sink; may also implement RouterStats
	Nodes          Nodes      // peer table; nil starts empty
	TransportStats dtls.Stats // optional secured-channel event sink
	ViaTTL         time.Duration
}

// Connector is the clustered secure datagram endpoint: the client-facing
// secured transport, the cluster-internal shared socket, the management
// channel bound onto it, and the routing between all three. The
// management protocol is fixed at construction: secured when a PSK
// identity is configured, plain otherwise.
type Connector struct {
	nodeID   types.NodeID
	protocol types.Protocol
	mgmtBind string
	hostBind string
	mtu      int

	endpoint *dtls.Connector
	nodes    Nodes
	health   Health
	rstats   RouterStats
	via      *viaTable
	seq      atomic.Uint64

	chmu    sync.RWMutex
	channel ManagementChannel

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup

	// Socket fields live behind their own lock: channel adapters read
	// them through supplier closures while Start still holds mu.
	sockmu     sync.RWMutex
	clientSock *net.UDPConn
	mgmtSock   *net.UDPConn
}

// New builds a connector from the host endpoint configuration and the
// cluster configuration. It selects the management protocol, derives the
// management socket buffer sizes from the host's, and constructs exactly
// one channel adapter. Configuration errors are fatal here; nothing is
// bound yet.
func New(host dtls.Config, cfg Config) (*Connector, error) {
	hasIdentity := cfg.Identity != ""
	hasKey := len(cfg.Key) > 0
	if hasIdentity != hasKey {
		dtls.ZeroKey(cfg.Key)
		return nil, ErrPSKConfig
	}
	if cfg.BindAddr == "" {
		dtls.ZeroKey(cfg.Key)
		return nil, errors.New("management bind address required")
	}
	if cfg.Nodes == nil {
		cfg.Nodes = NewStaticNodes()
	}
	if cfg.ViaTTL <= 0 {
		cfg.ViaTTL = DefaultViaTTL
	}

	protocol := types.ProtocolManagementUDP
	if hasIdentity {
		protocol = types.ProtocolManagementDTLS
	}

	recvSize := ManagementBufferSize(host.RecvBufferSize, EnvelopeOverhead)
	sendSize := ManagementBufferSize(host.SendBufferSize, EnvelopeOverhead)

	c := &Connector{
		nodeID:   cfg.NodeID,
		protocol: protocol,
		mgmtBind: cfg.BindAddr,
		hostBind: host.BindAddr,
		mtu:      host.MTU,
		nodes:    cfg.Nodes,
		health:   cfg.Health,
		via:      newViaTable(cfg.ViaTTL),
	}
	c.rstats, _ = cfg.Health.(RouterStats)

	// The client-facing endpoint shares the node identity and routes its
	// output through the backward path; its socket reads belong to the
	// routing loop.
	host.NodeID = cfg.NodeID
	host.ReceiverCount = 0
	host.Egress = c.egress
	endpoint, err := dtls.New(host)
	if err != nil {
		dtls.ZeroKey(cfg.Key)
		return nil, fmt.Errorf("failed to build host endpoint: %w", err)
	}
	c.endpoint = endpoint

	var channel ManagementChannel
	if hasIdentity {
		store, err := dtls.NewStaticPSK(cfg.Identity, cfg.Key)
		if err != nil {
			dtls.ZeroKey(cfg.Key)
			return nil, fmt.Errorf("failed to build management psk store: %w", err)
		}
		conn, err := dtls.New(dtls.Config{
			BindAddr:       cfg.BindAddr,
			NodeID:         cfg.NodeID,
			PSK:            store,
			MTU:            host.MTU,
			MaxSessions:    ManagementMaxSessions,
			ReceiverCount:  0,
			RecvBufferSize: recvSize,
			SendBufferSize: sendSize,
			Stats:          cfg.TransportStats,
		})
		if err != nil {
			dtls.ZeroKey(cfg.Key)
			return nil, fmt.Errorf("failed to build secured management channel: %w", err)
		}
		conn.SetHandler(c.handleManagementMessage)
		channel = &dtlsChannel{
			conn:   conn,
			socket: c.sharedSocket,
			mtu:    func() int { return c.mtu },
			health: cfg.Health,
		}
		// The store holds its own copy now; this is the last one.
		dtls.ZeroKey(cfg.Key)
	} else {
		conn := connector.New(connector.Config{
			BindAddr:       cfg.BindAddr,
			ReceiverCount:  0,
			SenderCount:    ManagementSenderCount,
			RecvBufferSize: recvSize,
			SendBufferSize: sendSize,
		})
		conn.SetHandler(c.handleManagementMessage)
		channel = &udpChannel{
			conn:   conn,
			socket: c.sharedSocket,
			health: cfg.Health,
		}
	}
	c.setChannel(channel)

	log.Logger.Info().
		Str("component", "cluster").
		Uint32("node_id", uint32(cfg.NodeID)).
		Str("protocol", string(protocol)).
		Int("recv_buffer", recvSize).
		Int("send_buffer", sendSize).
		Msg("management connector configured")

	return c, nil
}

// Start brings the connector up in order: host sockets, host endpoint,
// management channel, receive loops. Any failure unwinds everything
// already started and leaves the connector stopped, so a failed node
// never runs without its management channel.
func (c *Connector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	clientSock, err := bindUDP(c.hostBind)
	if err != nil {
		return fmt.Errorf("failed to bind client socket: %w", err)
	}
	mgmtSock, err := bindUDP(c.mgmtBind)
	if err != nil {
		clientSock.Close()
		return fmt.Errorf("failed to bind management socket: %w", err)
	}
	c.setSockets(clientSock, mgmtSock)

	if err := c.endpoint.StartWithSocket(clientSock, 0); err != nil {
		c.unwind()
		return fmt.Errorf("failed to start host endpoint: %w", err)
	}
	if err := c.ManagementChannel().Start(); err != nil {
		c.endpoint.Stop()
		c.unwind()
		return fmt.Errorf("failed to start management channel: %w", err)
	}

	c.wg.Add(2)
	go c.clientLoop(clientSock)
	go c.managementLoop(mgmtSock)
	c.running = true

	log.Logger.Info().
		Str("component", "cluster").
		Uint32("node_id", uint32(c.nodeID)).
		Str("protocol", string(c.protocol)).
		Str("client_addr", clientSock.LocalAddr().String()).
		Str("mgmt_addr", mgmtSock.LocalAddr().String()).
		Msg("cluster connector started")

	return nil
}

func (c *Connector) setSockets(client, mgmt *net.UDPConn) {
	c.sockmu.Lock()
	defer c.sockmu.Unlock()
	c.clientSock = client
	c.mgmtSock = mgmt
}

func (c *Connector) unwind() {
	c.sockmu.Lock()
	client, mgmt := c.clientSock, c.mgmtSock
	c.clientSock, c.mgmtSock = nil, nil
	c.sockmu.Unlock()
	if client != nil {
		client.Close()
	}
	if mgmt != nil {
		mgmt.Close()
	}
}

// Stop tears down in reverse: management channel first, then the host
// endpoint and sockets. Safe to call concurrently with in-flight datagram
// processing and a no-op when already stopped.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.ManagementChannel().Stop()
	c.endpoint.Stop()
	c.unwind()
	c.wg.Wait()

	log.Logger.Info().
		Str("component", "cluster").
		Uint32("node_id", uint32(c.nodeID)).
		Msg("cluster connector stopped")
}

// IsRunning returns true if the connector is running
func (c *Connector) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// NodeID returns the local node identity.
func (c *Connector) NodeID() types.NodeID {
	return c.nodeID
}

// ManagementProtocol returns the channel variant selected at construction.
func (c *Connector) ManagementProtocol() types.Protocol {
	return c.protocol
}

// ManagementChannel returns the current channel for direct sends.
func (c *Connector) ManagementChannel() ManagementChannel {
	c.chmu.RLock()
	defer c.chmu.RUnlock()
	return c.channel
}

func (c *Connector) setChannel(ch ManagementChannel) {
	c.chmu.Lock()
	defer c.chmu.Unlock()
	c.channel = ch
}

// Endpoint returns the client-facing secured transport. Applications
// install their payload handler on it and reply through its Send; replies
// for forwarded sessions route backward automatically.
func (c *Connector) Endpoint() *dtls.Connector {
	return c.endpoint
}

// ViaEntries reports how many client return paths are currently
// remembered.
func (c *Connector) ViaEntries() int {
	return c.via.size()
}

// ClientAddr returns the bound client-facing address, or nil when stopped.
func (c *Connector) ClientAddr() *net.UDPAddr {
	c.sockmu.RLock()
	defer c.sockmu.RUnlock()
	return udpAddr(c.clientSock)
}

// ManagementAddr returns the bound management address, or nil when
// stopped.
func (c *Connector) ManagementAddr() *net.UDPAddr {
	c.sockmu.RLock()
	defer c.sockmu.RUnlock()
	return udpAddr(c.mgmtSock)
}

// HandleManagementDatagram hands a datagram the routing layer classified
// as management traffic to the current channel. It delegates
// unconditionally; a stopped channel drops silently.
func (c *Connector) HandleManagementDatagram(d connector.Datagram) {
	c.ManagementChannel().ProcessDatagram(d)
}

// sharedSocket supplies the cluster-internal socket to channel adapters
// at their start.
func (c *Connector) sharedSocket() *net.UDPConn {
	c.sockmu.RLock()
	defer c.sockmu.RUnlock()
	return c.mgmtSock
}

func (c *Connector) clientSocket() *net.UDPConn {
	c.sockmu.RLock()
	defer c.sockmu.RUnlock()
	return c.clientSock
}

func bindUDP(bind string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", bind, err)
	}
	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %q: %w", bind, err)
	}
	return sock, nil
}

func udpAddr(sock *net.UDPConn) *net.UDPAddr {
	if sock == nil {
		return nil
	}
	addr, ok := sock.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return addr
}
