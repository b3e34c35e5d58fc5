package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coveynet/covey/pkg/dtls"
	"github.com/coveynet/covey/pkg/log"
)

// Config is the top-level coveyd configuration document.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Listen    ListenConfig    `yaml:"listen"`
	Network   NetworkConfig   `yaml:"network"`
	Security  SecurityConfig  `yaml:"security"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	// ID is the cluster-wide node identity; it prefixes every session ID
	// this node mints and must be unique across the cluster.
	ID uint32 `yaml:"id"`
}

// ListenConfig holds the two datagram bind addresses.
type ListenConfig struct {
	Client     string `yaml:"client"`
	Management string `yaml:"management"`
}

// NetworkConfig tunes the datagram path.
type NetworkConfig struct {
	MTU           int `yaml:"mtu"`
	ReceiveBuffer int `yaml:"receive_buffer"`
	SendBuffer    int `yaml:"send_buffer"`
}

// SecurityConfig carries the client-facing PSK credentials. Both fields
// are required; the client endpoint is always secured.
type SecurityConfig struct {
	PSKIdentity string `yaml:"psk_identity"`
	PSKKey      string `yaml:"psk_key"` // hex, 16 bytes or more
}

// ClusterConfig carries the management channel credentials and the
// static peer list. Identity and key are either both set (secured
// channel) or both empty (plain channel).
type ClusterConfig struct {
	PSKIdentity string       `yaml:"psk_identity"`
	PSKKey      string       `yaml:"psk_key"` // hex, 16 bytes or more
	Peers       []PeerConfig `yaml:"peers"`
}

// PeerConfig is a static peer table entry.
type PeerConfig struct {
	ID      uint32 `yaml:"id"`
	Address string `yaml:"address"` // management host:port
}

// DiscoveryConfig enables gossip-based peer discovery.
type DiscoveryConfig struct {
	Enabled  bool     `yaml:"enabled"`
	NodeName string   `yaml:"node_name"`
	Bind     string   `yaml:"bind"`
	Join     []string `yaml:"join"`

	// Advertise is the management address gossiped to peers. Defaults to
	// the bound management address, which only works when that address
	// is reachable from the other nodes.
	Advertise string `yaml:"advertise"`

	// Secret encrypts gossip traffic when set. All members must share
	// it. Hex, 16, 24 or 32 bytes.
	Secret string `yaml:"secret"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
}

// MetricsConfig controls the diagnostic HTTP listener. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when a field is absent from the
// document.
func Default() Config {
	return Config{
		Listen: ListenConfig{
			Client:     ":5684",
			Management: ":5694",
		},
		Log: LogConfig{
			Level: log.InfoLevel,
		},
		Metrics: MetricsConfig{
			Listen: ":9100",
		},
	}
}

// Load reads, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults restores defaults that an explicit empty value in the
// document would otherwise clear.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Listen.Client == "" {
		c.Listen.Client = def.Listen.Client
	}
	if c.Listen.Management == "" {
		c.Listen.Management = def.Listen.Management
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate checks the document for configuration errors. These are
// fatal: coveyd refuses to start rather than run misconfigured.
func (c *Config) Validate() error {
	if c.Security.PSKIdentity == "" || c.Security.PSKKey == "" {
		return fmt.Errorf("security.psk_identity and security.psk_key are required")
	}
	if _, err := decodeKey(c.Security.PSKKey); err != nil {
		return fmt.Errorf("security.psk_key: %w", err)
	}

	hasIdentity := c.Cluster.PSKIdentity != ""
	hasKey := c.Cluster.PSKKey != ""
	if hasIdentity != hasKey {
		return fmt.Errorf("cluster.psk_identity and cluster.psk_key must be configured together")
	}
	if hasKey {
		if _, err := decodeKey(c.Cluster.PSKKey); err != nil {
			return fmt.Errorf("cluster.psk_key: %w", err)
		}
	}

	seen := make(map[uint32]bool)
	for i, p := range c.Cluster.Peers {
		if p.Address == "" {
			return fmt.Errorf("cluster.peers[%d]: address is required", i)
		}
		if p.ID == c.Node.ID {
			return fmt.Errorf("cluster.peers[%d]: id %d is the local node", i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("cluster.peers[%d]: duplicate id %d", i, p.ID)
		}
		seen[p.ID] = true
	}

	if c.Discovery.Enabled && len(c.Cluster.Peers) > 0 {
		return fmt.Errorf("discovery and static cluster.peers are mutually exclusive")
	}
	if c.Discovery.Secret != "" {
		key, err := hex.DecodeString(c.Discovery.Secret)
		if err != nil {
			return fmt.Errorf("discovery.secret: key is not valid hex: %w", err)
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("discovery.secret: key must be 16, 24 or 32 bytes, got %d", len(key))
		}
	}

	return nil
}

// EndpointKey decodes the client-facing PSK key.
func (c *Config) EndpointKey() ([]byte, error) {
	return decodeKey(c.Security.PSKKey)
}

// ClusterKey decodes the management channel PSK key. It returns nil when
// the plain channel is configured.
func (c *Config) ClusterKey() ([]byte, error) {
	if c.Cluster.PSKKey == "" {
		return nil, nil
	}
	return decodeKey(c.Cluster.PSKKey)
}

// GossipSecret decodes the discovery encryption key. It returns nil when
// gossip runs unencrypted.
func (c *Config) GossipSecret() ([]byte, error) {
	if c.Discovery.Secret == "" {
		return nil, nil
	}
	return hex.DecodeString(c.Discovery.Secret)
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(key) < dtls.MinKeySize {
		return nil, fmt.Errorf("key must be at least %d bytes, got %d", dtls.MinKeySize, len(key))
	}
	return key, nil
}
