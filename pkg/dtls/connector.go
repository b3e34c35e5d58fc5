package dtls

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coveynet/covey/pkg/connector"
	"github.com/coveynet/covey/pkg/log"
	"github.com/coveynet/covey/pkg/types"
)

const (
	// DefaultMTU caps the size of one record on the wire. Conservative
	// enough for tunneled paths; cluster-internal deployments usually
	// raise it.
	DefaultMTU = 1400

	// DefaultMaxSessions bounds the session table.
	DefaultMaxSessions = 1024

	// DefaultHandshakeTimeout expires client flights and half-open
	// server sessions that never confirmed their keys.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultPendingQueue bounds payloads queued behind one handshake.
	DefaultPendingQueue = 32
)

var (
	// ErrPayloadTooLarge is returned by Send when the protected record
	// would exceed the MTU.
	ErrPayloadTooLarge = errors.New("payload exceeds mtu")

	// ErrSessionTableFull is returned when no new association fits.
	ErrSessionTableFull = errors.New("session table full")

	// ErrHandshakeBacklog is returned when too many payloads queue up
	// behind one in-flight handshake.
	ErrHandshakeBacklog = errors.New("handshake backlog full")
)

// Stats receives transport events. Implementations must be safe for
// concurrent use; nil disables reporting.
type Stats interface {
	HandshakeCompleted()
	HandshakeFailed(reason string)
	RecordDropped(reason string)
	SessionsActive(n int)
}

// Egress overrides where outbound records go. When set, every record the
// connector produces is handed to the function instead of the socket; the
// cluster layer uses this to reroute replies for forwarded sessions.
type Egress func(d connector.Datagram) error

// Config holds secured connector configuration
type Config struct {
	BindAddr         string        // address to bind when no socket is adopted
	NodeID           types.NodeID  // embedded into minted session ids
	PSK              PSKStore      // required
	MTU              int           // record size cap (default: 1400)
	MaxSessions      int           // session table capacity (default: 1024)
	HandshakeTimeout time.Duration // handshake expiry (default: 10s)
	PendingQueue     int           // payloads queued per handshake (default: 32)
	ReceiverCount    int           // inbound goroutines; 0 = pumped via ProcessDatagram
	SenderCount      int           // outbound goroutines (default: 1)
	QueueSize        int           // outbound queue capacity
	RecvBufferSize   int           // socket receive buffer; 0 = OS default
	SendBufferSize   int           // socket send buffer; 0 = OS default
	Stats            Stats         // optional event sink
	Egress           Egress        // optional outbound record reroute
}

// Connector is a PSK-secured datagram transport. The wire protocol is
// DTLS-style (hello exchange, key confirmation, AEAD-protected records)
// but is Covey's own format, not RFC 6347 interoperable. Every connector
// plays both roles: it accepts handshakes from peers and initiates its own
// when sending to a peer without an established session.
type Connector struct {
	cfg   Config
	psk   PSKStore
	udp   *connector.UDPConnector
	table *sessionTable

	mu      sync.RWMutex
	running bool
	mtu     int
	handler connector.Handler
}

// New creates a secured connector. The PSK store is required; everything
// else gets defaults. The store owns its key copy, so callers zeroize
// their own key material after this returns.
func New(cfg Config) (*Connector, error) {
	if cfg.PSK == nil {
		return nil, errors.New("PSK store required")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PendingQueue <= 0 {
		cfg.PendingQueue = DefaultPendingQueue
	}
	if cfg.MTU <= DataRecordOverhead {
		return nil, fmt.Errorf("mtu %d leaves no room for payload", cfg.MTU)
	}

	c := &Connector{
		cfg:   cfg,
		psk:   cfg.PSK,
		mtu:   cfg.MTU,
		table: newSessionTable(cfg.MaxSessions, cfg.HandshakeTimeout),
	}
	c.udp = connector.New(connector.Config{
		BindAddr:       cfg.BindAddr,
		ReceiverCount:  cfg.ReceiverCount,
		SenderCount:    cfg.SenderCount,
		QueueSize:      cfg.QueueSize,
		RecvBufferSize: cfg.RecvBufferSize,
		SendBufferSize: cfg.SendBufferSize,
	})
	c.udp.SetHandler(c.handleRecord)
	return c, nil
}

// Start binds the configured address and starts serving records. Calling
// Start on a running connector is a no-op.
func (c *Connector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if err := c.udp.Start(); err != nil {
		return fmt.Errorf("failed to start secured transport: %w", err)
	}
	c.running = true
	c.logStarted()
	return nil
}

// StartWithSocket attaches the connector to an externally owned socket,
// optionally overriding the MTU with the owner's negotiated value. The
// socket is not closed on Stop; inbound records are pumped in through
// ProcessDatagram. Calling it on a running connector is a no-op.
func (c *Connector) StartWithSocket(sock *net.UDPConn, mtu int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if mtu > 0 {
		if mtu <= DataRecordOverhead {
			return fmt.Errorf("mtu %d leaves no room for payload", mtu)
		}
		c.mtu = mtu
	}
	if err := c.udp.StartWithSocket(sock); err != nil {
		return fmt.Errorf("failed to attach secured transport: %w", err)
	}
	c.running = true
	c.logStarted()
	return nil
}

func (c *Connector) logStarted() {
	log.Logger.Info().
		Str("component", "dtls").
		Str("address", c.udp.LocalAddr().String()).
		Str("identity", c.psk.Identity()).
		Int("mtu", c.mtu).
		Int("max_sessions", c.cfg.MaxSessions).
		Msg("secured connector started")
}

// Stop halts the transport and drops every session. Calling Stop on a
// stopped connector is a no-op.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.udp.Stop()
	c.table.clear()
	c.reportSessions()

	log.Logger.Info().
		Str("component", "dtls").
		Msg("secured connector stopped")
}

// IsRunning returns true if the connector is running
func (c *Connector) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// LocalAddr returns the bound address, or nil before Start.
func (c *Connector) LocalAddr() *net.UDPAddr {
	return c.udp.LocalAddr()
}

// Sessions returns the number of associations currently tracked, pending
// handshakes included.
func (c *Connector) Sessions() int {
	return c.table.size()
}

// SetHandler installs the plaintext consumer. Decrypted payloads are
// delivered with the record sender's address.
func (c *Connector) SetHandler(h connector.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send protects a payload for d.Addr and transmits it. Without an
// established session it initiates a handshake and queues the payload; the
// send counts as accepted once the transport owns it.
func (c *Connector) Send(d connector.Datagram) error {
	c.mu.RLock()
	running, mtu := c.running, c.mtu
	c.mu.RUnlock()

	if !running {
		return connector.ErrNotRunning
	}
	if d.Addr == nil {
		return errors.New("nil destination")
	}
	if len(d.Data) > mtu-DataRecordOverhead {
		return ErrPayloadTooLarge
	}

	if s, ok := c.table.outboundByAddr(d.Addr); ok && s.established.Load() {
		return c.sealAndWrite(s, d.Data)
	}
	// Replies ride the session the peer established toward us.
	if s, ok := c.table.inboundByAddr(d.Addr); ok && s.established.Load() {
		return c.sealAndWrite(s, d.Data)
	}

	// No session yet: start (or join) a handshake with the payload queued
	// behind it. The queue owns a copy since callers may reuse the slice.
	payload := make([]byte, len(d.Data))
	copy(payload, d.Data)

	cand := &pendingHandshake{peer: d.Addr, startedAt: time.Now()}
	if _, err := rand.Read(cand.clientRandom[:]); err != nil {
		return fmt.Errorf("failed to generate client random: %w", err)
	}
	started, err := c.table.startOrEnqueue(cand, payload, c.cfg.PendingQueue)
	if err != nil {
		c.statDrop("table_full")
		return err
	}
	if !started {
		return nil
	}
	c.reportSessions()

	hello := clientHello{random: cand.clientRandom, identity: c.psk.Identity()}
	if err := c.writeRecord(connector.Datagram{Data: hello.marshal(), Addr: d.Addr}); err != nil {
		c.table.completePending(d.Addr)
		return fmt.Errorf("failed to send client hello: %w", err)
	}

	log.Logger.Debug().
		Str("component", "dtls").
		Str("peer", d.Addr.String()).
		Msg("handshake initiated")
	return nil
}

// ProcessDatagram hands an externally read record to the connector. Used
// when the socket is owned elsewhere; processing is synchronous on the
// caller's goroutine.
func (c *Connector) ProcessDatagram(d connector.Datagram) {
	if !c.IsRunning() {
		return
	}
	c.handleRecord(d)
}

func (c *Connector) handleRecord(d connector.Datagram) {
	if len(d.Data) < 2 {
		c.statDrop("bad_record")
		return
	}
	switch d.Data[0] {
	case recordTypeHandshake:
		c.handleHandshake(d)
	case recordTypeFinished:
		c.handleFinished(d)
	case recordTypeData:
		c.handleData(d)
	case recordTypeAlert:
		c.handleAlert(d)
	default:
		c.statDrop("unknown_type")
	}
}

func (c *Connector) handleHandshake(d connector.Datagram) {
	switch d.Data[1] {
	case handshakeClientHello:
		c.handleClientHello(d)
	case handshakeServerHello:
		c.handleServerHello(d)
	default:
		c.statDrop("bad_record")
	}
}

// handleClientHello runs the accepting side: derive keys, install a
// half-open session, and answer with the assigned session id. The session
// stays half-open until the peer proves key possession.
func (c *Connector) handleClientHello(d connector.Datagram) {
	m, err := parseClientHello(d.Data)
	if err != nil {
		c.statDrop("bad_record")
		return
	}
	key, ok := c.psk.Lookup(m.identity)
	if !ok {
		c.statHandshakeFailed("unknown_identity")
		log.Logger.Warn().
			Str("component", "dtls").
			Str("peer", d.Addr.String()).
			Str("identity", m.identity).
			Msg("handshake with unknown identity rejected")
		return
	}

	s := &session{
		peer:         d.Addr,
		role:         roleServer,
		clientRandom: m.random,
		identity:     m.identity,
		createdAt:    time.Now(),
	}
	s.lastUsed = s.createdAt
	if _, err := rand.Read(s.serverRandom[:]); err != nil {
		c.statHandshakeFailed("internal")
		return
	}
	if s.sid, err = c.mintSessionID(); err != nil {
		c.statHandshakeFailed("internal")
		return
	}
	if s.keys, err = deriveKeys(key, s.clientRandom, s.serverRandom); err != nil {
		c.statHandshakeFailed("internal")
		return
	}
	if !c.table.putInbound(s) {
		c.statHandshakeFailed("table_full")
		log.Logger.Warn().
			Str("component", "dtls").
			Str("peer", d.Addr.String()).
			Int("sessions", c.table.size()).
			Msg("handshake rejected, session table full")
		return
	}
	c.reportSessions()

	sh := serverHello{random: s.serverRandom, sid: s.sid}
	if err := c.writeRecord(connector.Datagram{Data: sh.marshal(), Addr: d.Addr}); err != nil {
		log.Logger.Warn().
			Err(err).
			Str("component", "dtls").
			Str("peer", d.Addr.String()).
			Msg("failed to send server hello")
	}
}

// handleServerHello runs the initiating side: complete the pending flight,
// derive keys, confirm them, and flush queued payloads.
func (c *Connector) handleServerHello(d connector.Datagram) {
	m, err := parseServerHello(d.Data)
	if err != nil {
		c.statDrop("bad_record")
		return
	}
	p, ok := c.table.completePending(d.Addr)
	if !ok {
		c.statDrop("unsolicited")
		return
	}
	key, ok := c.psk.Lookup(c.psk.Identity())
	if !ok {
		c.statHandshakeFailed("internal")
		return
	}

	s := &session{
		sid:          m.sid,
		peer:         d.Addr,
		role:         roleClient,
		clientRandom: p.clientRandom,
		serverRandom: m.random,
		identity:     c.psk.Identity(),
		createdAt:    time.Now(),
	}
	s.lastUsed = s.createdAt
	if s.keys, err = deriveKeys(key, s.clientRandom, s.serverRandom); err != nil {
		c.statHandshakeFailed("internal")
		return
	}
	s.established.Store(true)
	c.table.putOutbound(s)
	c.reportSessions()
	c.statHandshakeCompleted()

	// Key confirmation binds the transcript; the peer only accepts data
	// once it verified this (or a first valid data record).
	vd := verifyData(s.clientRandom, s.serverRandom, s.identity)
	rec, err := sealRecord(recordTypeFinished, s.sid, s.keys.client, vd)
	if err == nil {
		err = c.writeRecord(connector.Datagram{Data: rec, Addr: d.Addr})
	}
	if err != nil {
		log.Logger.Warn().
			Err(err).
			Str("component", "dtls").
			Str("peer", d.Addr.String()).
			Msg("failed to send key confirmation")
	}

	log.Logger.Info().
		Str("component", "dtls").
		Str("peer", d.Addr.String()).
		Str("session", s.sid.String()).
		Msg("session established")

	for _, payload := range p.queue {
		if err := c.sealAndWrite(s, payload); err != nil {
			c.statDrop("flush")
			log.Logger.Warn().
				Err(err).
				Str("component", "dtls").
				Str("peer", d.Addr.String()).
				Msg("failed to flush queued payload")
		}
	}
}

// handleFinished verifies the initiator's key confirmation and promotes
// the half-open session.
func (c *Connector) handleFinished(d connector.Datagram) {
	sid, ok := recordSessionID(d.Data)
	if !ok {
		c.statDrop("bad_record")
		return
	}
	s, ok := c.table.inboundBySID(sid)
	if !ok {
		c.statDrop("unknown_session")
		return
	}
	plain, err := openRecord(d.Data, s.keys.client)
	if err != nil {
		c.statHandshakeFailed("verify")
		c.table.removeInbound(sid)
		c.reportSessions()
		return
	}
	expected := verifyData(s.clientRandom, s.serverRandom, s.identity)
	if subtle.ConstantTimeCompare(plain, expected) != 1 {
		c.statHandshakeFailed("verify")
		c.table.removeInbound(sid)
		c.reportSessions()
		return
	}
	c.table.touch(s, time.Now())
	if s.established.CompareAndSwap(false, true) {
		c.statHandshakeCompleted()
		log.Logger.Info().
			Str("component", "dtls").
			Str("peer", d.Addr.String()).
			Str("session", s.sid.String()).
			Msg("session accepted")
	}
}

// handleData decrypts a protected record and delivers the payload. A valid
// record on a half-open accepted session doubles as key confirmation,
// which keeps reordered first flights from losing data.
func (c *Connector) handleData(d connector.Datagram) {
	sid, ok := recordSessionID(d.Data)
	if !ok {
		c.statDrop("bad_record")
		return
	}

	// The id prefix says who minted the session; it picks the lookup
	// order, with a fallback for peers sharing our node id.
	var s *session
	if sid.ownerNode() == uint32(c.cfg.NodeID) {
		if s, ok = c.table.inboundBySID(sid); !ok {
			s, ok = c.table.outboundBySID(sid)
		}
	} else {
		if s, ok = c.table.outboundBySID(sid); !ok {
			s, ok = c.table.inboundBySID(sid)
		}
	}
	if !ok {
		c.statDrop("unknown_session")
		alert := buildAlert(alertUnknownSession, sid)
		if err := c.writeRecord(connector.Datagram{Data: alert, Addr: d.Addr}); err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dtls").
				Str("peer", d.Addr.String()).
				Msg("failed to send alert")
		}
		return
	}

	plain, err := openRecord(d.Data, s.openAEAD())
	if err != nil {
		c.statDrop("decrypt")
		return
	}
	if s.role == roleServer && s.established.CompareAndSwap(false, true) {
		c.statHandshakeCompleted()
	}
	c.table.touch(s, time.Now())

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		c.statDrop("no_handler")
		return
	}
	h(connector.Datagram{Data: plain, Addr: d.Addr})
}

// handleAlert tears down the matching outbound session so the next send
// re-handshakes. Alerts are unauthenticated, so they only ever remove
// state the connector can rebuild, and only when the source address
// matches the session peer.
func (c *Connector) handleAlert(d connector.Datagram) {
	code, sid, err := parseAlert(d.Data)
	if err != nil {
		c.statDrop("bad_record")
		return
	}
	if code != alertUnknownSession {
		c.statDrop("unknown_alert")
		return
	}
	if c.table.removeOutbound(sid, d.Addr) {
		c.reportSessions()
		log.Logger.Debug().
			Str("component", "dtls").
			Str("peer", d.Addr.String()).
			Str("session", sid.String()).
			Msg("session reset by peer")
	}
}

func (c *Connector) sealAndWrite(s *session, payload []byte) error {
	rec, err := sealRecord(recordTypeData, s.sid, s.sealAEAD(), payload)
	if err != nil {
		return fmt.Errorf("failed to seal record: %w", err)
	}
	c.table.touch(s, time.Now())
	return c.writeRecord(connector.Datagram{Data: rec, Addr: s.peer})
}

func (c *Connector) writeRecord(d connector.Datagram) error {
	if c.cfg.Egress != nil {
		return c.cfg.Egress(d)
	}
	return c.udp.Send(d)
}

func (c *Connector) mintSessionID() (sessionID, error) {
	var sid sessionID
	binary.BigEndian.PutUint32(sid[:4], uint32(c.cfg.NodeID))
	if _, err := rand.Read(sid[4:]); err != nil {
		return sid, fmt.Errorf("failed to mint session id: %w", err)
	}
	return sid, nil
}

func (c *Connector) statHandshakeCompleted() {
	if c.cfg.Stats != nil {
		c.cfg.Stats.HandshakeCompleted()
	}
}

func (c *Connector) statHandshakeFailed(reason string) {
	if c.cfg.Stats != nil {
		c.cfg.Stats.HandshakeFailed(reason)
	}
}

func (c *Connector) statDrop(reason string) {
	if c.cfg.Stats != nil {
		c.cfg.Stats.RecordDropped(reason)
	}
}

func (c *Connector) reportSessions() {
	if c.cfg.Stats != nil {
		c.cfg.Stats.SessionsActive(c.table.size())
	}
}

// SessionOwner reports which node owns the session a protected data record
// belongs to. It returns false for anything that is not a data record;
// handshake traffic is owned by whichever node receives it.
func SessionOwner(datagram []byte) (types.NodeID, bool) {
	if len(datagram) < 1+sessionIDSize || datagram[0] != recordTypeData {
		return 0, false
	}
	return types.NodeID(binary.BigEndian.Uint32(datagram[1:5])), true
}
