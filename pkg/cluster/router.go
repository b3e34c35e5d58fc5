package cluster

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/coveynet/covey/pkg/connector"
	"github.com/coveynet/covey/pkg/dtls"
	"github.com/coveynet/covey/pkg/log"
	"github.com/coveynet/covey/pkg/types"
)

// viaSweepThreshold caps the via table: once it grows past this many
// entries, remember evicts everything expired before inserting.
const viaSweepThreshold = 16384

// clientLoop reads the client-facing socket and routes each datagram
// either into the local endpoint or across the cluster to the node that
// owns its session.
func (c *Connector) clientLoop(sock *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, connector.DefaultDatagramSize)
	for {
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !c.IsRunning() {
				return
			}
			log.Logger.Warn().
				Str("component", "cluster").
				Err(err).
				Msg("client socket read error")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.routeClientDatagram(connector.Datagram{Data: data, Addr: addr})
	}
}

// managementLoop reads the cluster-internal socket and hands every
// datagram to the management channel.
func (c *Connector) managementLoop(sock *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, connector.DefaultDatagramSize)
	for {
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !c.IsRunning() {
				return
			}
			log.Logger.Warn().
				Str("component", "cluster").
				Err(err).
				Msg("management socket read error")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.HandleManagementDatagram(connector.Datagram{Data: data, Addr: addr})
	}
}

// routeClientDatagram classifies a client datagram by session owner.
// Records owned by a known peer are forwarded; everything else, including
// all handshake traffic and records whose owner is not in the peer table,
// is processed locally.
func (c *Connector) routeClientDatagram(d connector.Datagram) {
	owner, ok := dtls.SessionOwner(d.Data)
	if ok && owner != c.nodeID {
		if peer, found := c.nodes.Lookup(owner); found {
			c.forward(d, peer)
			return
		}
		log.Logger.Debug().
			Str("component", "cluster").
			Uint32("owner", uint32(owner)).
			Str("peer", d.Addr.String()).
			Msg("session owner not in peer table, processing locally")
	}
	c.endpoint.ProcessDatagram(d)
}

// forward wraps a client datagram in a forward envelope and sends it to
// the owning peer over the management channel.
func (c *Connector) forward(d connector.Datagram, peer types.Peer) {
	env := envelope{
		kind:    envelopeForward,
		client:  d.Addr,
		srcNode: c.nodeID,
		seq:     c.seq.Add(1),
		payload: d.Data,
	}
	b, err := env.marshal()
	if err != nil {
		c.statRoutingDrop("marshal")
		log.Logger.Warn().
			Str("component", "cluster").
			Err(err).
			Str("peer", d.Addr.String()).
			Msg("failed to marshal forward envelope")
		return
	}
	if err := c.ManagementChannel().Send(connector.Datagram{Data: b, Addr: peer.Addr}); err != nil {
		c.statRoutingDrop("forward_send")
		log.Logger.Warn().
			Str("component", "cluster").
			Err(err).
			Uint32("owner", uint32(peer.ID)).
			Msg("failed to forward datagram")
		return
	}
	c.statForwarded()
}

// handleManagementMessage consumes the payload the management channel
// surfaced: forward envelopes feed the local endpoint and teach the via
// table, backward envelopes go out the client socket verbatim.
func (c *Connector) handleManagementMessage(d connector.Datagram) {
	env, err := parseEnvelope(d.Data)
	if err != nil {
		c.statRoutingDrop("bad_envelope")
		log.Logger.Warn().
			Str("component", "cluster").
			Err(err).
			Str("peer", d.Addr.String()).
			Msg("discarding malformed management message")
		return
	}

	switch env.kind {
	case envelopeForward:
		c.via.remember(env.client, env.srcNode)
		c.endpoint.ProcessDatagram(connector.Datagram{Data: env.payload, Addr: env.client})
	case envelopeBackward:
		sock := c.clientSocket()
		if sock == nil {
			c.statRoutingDrop("stopped")
			return
		}
		if _, err := sock.WriteToUDP(env.payload, env.client); err != nil {
			c.statRoutingDrop("backward_write")
			log.Logger.Warn().
				Str("component", "cluster").
				Err(err).
				Str("peer", env.client.String()).
				Msg("failed to write backward datagram")
		}
	}
}

// egress carries the endpoint's outbound records. Replies to clients
// whose traffic arrived through a peer go backward over the management
// channel; everything else is written straight to the client socket.
func (c *Connector) egress(d connector.Datagram) error {
	if via, ok := c.via.lookup(d.Addr); ok {
		if peer, found := c.nodes.Lookup(via); found {
			env := envelope{
				kind:    envelopeBackward,
				client:  d.Addr,
				srcNode: c.nodeID,
				seq:     c.seq.Add(1),
				payload: d.Data,
			}
			b, err := env.marshal()
			if err != nil {
				c.statRoutingDrop("marshal")
				return err
			}
			if err := c.ManagementChannel().Send(connector.Datagram{Data: b, Addr: peer.Addr}); err != nil {
				c.statRoutingDrop("backward_send")
				return err
			}
			c.statBackwarded()
			return nil
		}
		log.Logger.Debug().
			Str("component", "cluster").
			Uint32("via", uint32(via)).
			Msg("via peer left the cluster, replying directly")
	}

	sock := c.clientSocket()
	if sock == nil {
		return connector.ErrNotRunning
	}
	_, err := sock.WriteToUDP(d.Data, d.Addr)
	return err
}

func (c *Connector) statForwarded() {
	if c.rstats != nil {
		c.rstats.DatagramForwarded()
	}
}

func (c *Connector) statBackwarded() {
	if c.rstats != nil {
		c.rstats.DatagramBackwarded()
	}
}

func (c *Connector) statRoutingDrop(reason string) {
	if c.rstats != nil {
		c.rstats.RoutingDropped(reason)
	}
}

// viaTable remembers which peer forwarded each client's traffic so
// replies can retrace the path. Entries expire after the configured TTL
// and are refreshed by every forward envelope.
type viaTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]viaEntry
}

type viaEntry struct {
	node types.NodeID
	at   time.Time
}

func newViaTable(ttl time.Duration) *viaTable {
	return &viaTable{
		ttl:     ttl,
		entries: make(map[string]viaEntry),
	}
}

func (t *viaTable) remember(client *net.UDPAddr, node types.NodeID) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= viaSweepThreshold {
		for k, e := range t.entries {
			if now.Sub(e.at) > t.ttl {
				delete(t.entries, k)
			}
		}
	}
	t.entries[client.String()] = viaEntry{node: node, at: now}
}

func (t *viaTable) lookup(client *net.UDPAddr) (types.NodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[client.String()]
	if !ok {
		return 0, false
	}
	if time.Since(e.at) > t.ttl {
		delete(t.entries, client.String())
		return 0, false
	}
	return e.node, true
}

func (t *viaTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
