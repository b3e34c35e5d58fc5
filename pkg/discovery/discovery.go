package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"

	"github.com/coveynet/covey/pkg/log"
	"github.com/coveynet/covey/pkg/types"
)

const leaveTimeout = 5 * time.Second

// Registry receives peer table updates from gossip events. The static
// node table in pkg/cluster satisfies it.
type Registry interface {
	Upsert(p types.Peer)
	Remove(id types.NodeID)
}

// Config configures gossip-based peer discovery.
type Config struct {
	// NodeName is the gossip-unique name; a random one is generated when
	// empty.
	NodeName string

	// BindAddr is the host:port the gossip listener binds.
	BindAddr string

	// Join lists existing members to contact at startup. Empty means
	// bootstrap mode.
	Join []string

	// Secret enables gossip encryption when set. Every member must carry
	// the same secret; memberlist accepts 16, 24 or 32 byte keys.
	Secret []byte

	// Local describes this node as peers should see it: node id,
	// management address and management protocol. It is advertised in
	// the gossip metadata.
	Local types.Peer
}

// Discovery maintains the peer table from cluster membership gossip.
type Discovery struct {
	name     string
	local    types.Peer
	registry Registry

	mu       sync.Mutex
	ml       *memberlist.Memberlist
	shutdown bool
}

// New starts gossip discovery: it creates the member list, advertises
// the local peer metadata, and joins the configured members. Peers that
// advertise a different management protocol are ignored; a mixed cluster
// cannot exchange management traffic.
func New(cfg Config, registry Registry) (*Discovery, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if cfg.Local.Addr == nil {
		return nil, fmt.Errorf("local management address required")
	}
	if cfg.NodeName == "" {
		cfg.NodeName = "covey-" + uuid.NewString()[:8]
	}

	meta, err := encodeMeta(cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}

	d := &Discovery{
		name:     cfg.NodeName,
		local:    cfg.Local,
		registry: registry,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		host, port, err := splitHostPort(cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse gossip bind address: %w", err)
		}
		mlConfig.BindAddr = host
		mlConfig.BindPort = port
		mlConfig.AdvertisePort = port
	}
	if len(cfg.Secret) > 0 {
		mlConfig.SecretKey = cfg.Secret
	}
	mlConfig.Delegate = &metaDelegate{meta: meta}
	mlConfig.Events = &eventDelegate{discovery: d}
	mlConfig.LogOutput = &logWriter{}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create member list: %w", err)
	}
	d.ml = ml

	if len(cfg.Join) > 0 {
		n, err := ml.Join(cfg.Join)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("failed to join cluster: %w", err)
		}
		log.Logger.Info().
			Str("component", "discovery").
			Str("node_name", cfg.NodeName).
			Int("contacted", n).
			Msg("joined cluster")
	} else {
		log.Logger.Info().
			Str("component", "discovery").
			Str("node_name", cfg.NodeName).
			Msg("started in bootstrap mode")
	}

	return d, nil
}

// Members returns the current gossip members.
func (d *Discovery) Members() []*memberlist.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ml == nil {
		return nil
	}
	return d.ml.Members()
}

// Stop broadcasts a leave and shuts the gossip listener down. Safe to
// call more than once.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown || d.ml == nil {
		return nil
	}
	d.shutdown = true

	if err := d.ml.Leave(leaveTimeout); err != nil {
		log.Logger.Warn().
			Str("component", "discovery").
			Err(err).
			Msg("failed to broadcast leave")
	}
	if err := d.ml.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down member list: %w", err)
	}

	log.Logger.Info().
		Str("component", "discovery").
		Msg("discovery stopped")
	return nil
}

// handleJoin applies a join or update event to the peer table.
func (d *Discovery) handleJoin(node *memberlist.Node) {
	if node.Name == d.name {
		return
	}
	peer, err := decodeMeta(node.Meta)
	if err != nil {
		log.Logger.Warn().
			Str("component", "discovery").
			Str("node_name", node.Name).
			Err(err).
			Msg("ignoring member without peer metadata")
		return
	}
	if peer.Protocol != d.local.Protocol {
		log.Logger.Warn().
			Str("component", "discovery").
			Str("node_name", node.Name).
			Str("protocol", string(peer.Protocol)).
			Str("local_protocol", string(d.local.Protocol)).
			Msg("ignoring member with mismatched management protocol")
		return
	}
	d.registry.Upsert(peer)
	log.Logger.Info().
		Str("component", "discovery").
		Str("node_name", node.Name).
		Uint32("node_id", uint32(peer.ID)).
		Str("mgmt_addr", peer.Addr.String()).
		Msg("peer joined")
}

// handleLeave removes a departed member from the peer table.
func (d *Discovery) handleLeave(node *memberlist.Node) {
	if node.Name == d.name {
		return
	}
	peer, err := decodeMeta(node.Meta)
	if err != nil {
		return
	}
	d.registry.Remove(peer.ID)
	log.Logger.Info().
		Str("component", "discovery").
		Str("node_name", node.Name).
		Uint32("node_id", uint32(peer.ID)).
		Msg("peer left")
}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	discovery *Discovery
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node)   { e.discovery.handleJoin(node) }
func (e *eventDelegate) NotifyLeave(node *memberlist.Node)  { e.discovery.handleLeave(node) }
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) { e.discovery.handleJoin(node) }

// metaDelegate advertises the local peer metadata. The remaining
// delegate methods are unused; covey gossips membership only.
type metaDelegate struct {
	meta []byte
}

func (m *metaDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return m.meta[:limit]
	}
	return m.meta
}

func (m *metaDelegate) NotifyMsg([]byte) {}

func (m *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (m *metaDelegate) LocalState(join bool) []byte { return nil }

func (m *metaDelegate) MergeRemoteState(buf []byte, join bool) {}

// logWriter routes memberlist's internal log lines to debug level.
type logWriter struct{}

func (w *logWriter) Write(p []byte) (int, error) {
	log.Logger.Debug().
		Str("component", "memberlist").
		Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}
