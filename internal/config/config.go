// Package config handles configuration loading and validation for meshpath.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshpath/meshpath/internal/cache"
	"github.com/meshpath/meshpath/internal/membership"
	"github.com/meshpath/meshpath/internal/relay"
	"github.com/meshpath/meshpath/internal/traverse"
	"github.com/meshpath/meshpath/pkg/bytesize"
	"github.com/meshpath/meshpath/pkg/proto"
)

// LogConfig holds configuration for log output.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// STUNConfig holds configuration for public address discovery.
type STUNConfig struct {
	Servers []string `yaml:"servers"`
	Timeout string   `yaml:"timeout"` // Duration string, e.g. "5s"
}

// TraverseConfig holds configuration for direct endpoint probing.
type TraverseConfig struct {
	StepInterval   string `yaml:"step_interval"`   // Duration string, e.g. "1s"
	ParallelProbes int    `yaml:"parallel_probes"` // Probes in flight per peer per step
	ProbeTimeout   string `yaml:"probe_timeout"`   // Duration string, e.g. "5s"
	QueuePasses    int    `yaml:"queue_passes"`    // Candidate list replays per cycle
}

// CacheConfig holds configuration for the connection cache.
type CacheConfig struct {
	Path          string `yaml:"path"`           // Snapshot file (default: <data_dir>/connections.json)
	MaxAge        string `yaml:"max_age"`        // Entry lifetime, e.g. "168h"
	FlushInterval string `yaml:"flush_interval"` // Snapshot period, e.g. "1m"
	MaxPerPeer    int    `yaml:"max_per_peer"`   // Endpoints kept per peer
	FailureWindow string `yaml:"failure_window"` // Relay escalation window, e.g. "30m"
}

// RelayClientConfig holds configuration for relayed connections.
type RelayClientConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	ResponseTimeout   string `yaml:"response_timeout"`   // Duration string, e.g. "5s"
	HeartbeatInterval string `yaml:"heartbeat_interval"` // Duration string, e.g. "30s"
	HomeRelays        int    `yaml:"home_relays"`        // Relays to hold presence with
}

// DiscoveryConfig holds configuration for the relay registry.
type DiscoveryConfig struct {
	Bootstrap         []relay.BootstrapRelay `yaml:"bootstrap"`
	Region            string                 `yaml:"region"`
	Path              string                 `yaml:"path"`             // Snapshot file (default: <data_dir>/relays.json)
	RefreshInterval   string                 `yaml:"refresh_interval"` // Duration string, e.g. "10m"
	LoadWeight        float64                `yaml:"load_weight"`
	RegionWeight      float64                `yaml:"region_weight"`
	ReliabilityWeight float64                `yaml:"reliability_weight"`
}

// PeerConfig is one statically configured roster entry.
type PeerConfig struct {
	PublicKey        string   `yaml:"public_key"`        // Hex-encoded ed25519 public key
	TunnelAddr       string   `yaml:"tunnel_addr"`       // Address inside the mesh, optional
	Endpoints        []string `yaml:"endpoints"`         // Advertised host:port candidates
	ObservedEndpoint string   `yaml:"observed_endpoint"` // Reflexive host:port seen by the roster server
	Persistent       bool     `yaml:"persistent"`        // Keep trying even when idle
}

// NodeConfig holds configuration for a mesh node.
type NodeConfig struct {
	Name        string `yaml:"name"`
	PrivateKey  string `yaml:"private_key"`  // Key path, generated on first start
	DataDir     string `yaml:"data_dir"`     // Persistence directory (default: /var/lib/meshpath)
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus endpoint, empty disables

	Peers []PeerConfig `yaml:"peers"`

	STUN      STUNConfig        `yaml:"stun"`
	Traverse  TraverseConfig    `yaml:"traverse"`
	Cache     CacheConfig       `yaml:"cache"`
	Relay     RelayClientConfig `yaml:"relay"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Log       LogConfig         `yaml:"log"`
}

// RelayServiceConfig holds configuration for running a relay node.
type RelayServiceConfig struct {
	ListenAddr          string   `yaml:"listen_addr"`
	HTTPAddr            string   `yaml:"http_addr"`      // Websocket fallback and /metrics
	AdvertiseAddr       string   `yaml:"advertise_addr"` // Public endpoint, host:port
	AdvertiseWSURL      string   `yaml:"advertise_ws_url"`
	Region              string   `yaml:"region"`
	MaxSessions         int      `yaml:"max_sessions"`
	MaxSessionsPerPeer  int      `yaml:"max_sessions_per_peer"`
	SessionIdleTimeout  string   `yaml:"session_idle_timeout"` // Duration string, e.g. "300s"
	AnnounceTargets     []string `yaml:"announce_targets"`
	BandwidthPerSession string   `yaml:"bandwidth_per_session"` // e.g. "1MB", empty for default
}

// RelayConfig holds configuration for a relay node process.
type RelayConfig struct {
	PrivateKey string `yaml:"private_key"`
	DataDir    string `yaml:"data_dir"`

	Service   RelayServiceConfig `yaml:"service"`
	Discovery DiscoveryConfig    `yaml:"discovery"`
	Log       LogConfig          `yaml:"log"`
}

// LoadNodeConfig loads node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/meshpath"
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.PrivateKey == "" {
		cfg.PrivateKey = filepath.Join(cfg.DataDir, "node_key")
	}
	cfg.PrivateKey = expandHome(cfg.PrivateKey)
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = []string{
			"stun.l.google.com:19302",
			"stun.cloudflare.com:3478",
		}
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(cfg.DataDir, "connections.json")
	}
	if cfg.Discovery.Path == "" {
		cfg.Discovery.Path = filepath.Join(cfg.DataDir, "relays.json")
	}
	applyLogDefaults(&cfg.Log)

	return cfg, nil
}

// LoadRelayConfig loads relay node configuration from a YAML file.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &RelayConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/meshpath"
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.PrivateKey == "" {
		cfg.PrivateKey = filepath.Join(cfg.DataDir, "relay_key")
	}
	cfg.PrivateKey = expandHome(cfg.PrivateKey)
	if cfg.Discovery.Path == "" {
		cfg.Discovery.Path = filepath.Join(cfg.DataDir, "relays.json")
	}
	applyLogDefaults(&cfg.Log)

	return cfg, nil
}

func applyLogDefaults(c *LogConfig) {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Discovery.Bootstrap) == 0 && c.Discovery.Path == "" {
		return fmt.Errorf("discovery needs bootstrap relays or a persisted snapshot")
	}
	if err := validateLog(&c.Log); err != nil {
		return err
	}
	if _, err := c.RosterPeers(); err != nil {
		return err
	}
	for _, field := range []struct{ name, val string }{
		{"stun.timeout", c.STUN.Timeout},
		{"traverse.step_interval", c.Traverse.StepInterval},
		{"traverse.probe_timeout", c.Traverse.ProbeTimeout},
		{"cache.max_age", c.Cache.MaxAge},
		{"cache.flush_interval", c.Cache.FlushInterval},
		{"cache.failure_window", c.Cache.FailureWindow},
		{"relay.response_timeout", c.Relay.ResponseTimeout},
		{"relay.heartbeat_interval", c.Relay.HeartbeatInterval},
		{"discovery.refresh_interval", c.Discovery.RefreshInterval},
	} {
		if err := validateDuration(field.name, field.val); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks if the relay node configuration is valid.
func (c *RelayConfig) Validate() error {
	if err := validateLog(&c.Log); err != nil {
		return err
	}
	if err := validateDuration("service.session_idle_timeout", c.Service.SessionIdleTimeout); err != nil {
		return err
	}
	if c.Service.MaxSessionsPerPeer > c.Service.MaxSessions && c.Service.MaxSessions > 0 {
		return fmt.Errorf("service.max_sessions_per_peer %d exceeds service.max_sessions %d",
			c.Service.MaxSessionsPerPeer, c.Service.MaxSessions)
	}
	return nil
}

func validateLog(c *LogConfig) error {
	switch c.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Format)
	}
	return nil
}

func validateDuration(name, val string) error {
	if val == "" {
		return nil
	}
	if _, err := time.ParseDuration(val); err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	return nil
}

// parseDuration returns the parsed duration, or zero when the string is
// empty or unparsable so the component default applies.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// STUNTimeout returns the configured STUN timeout, default 5s.
func (c *NodeConfig) STUNTimeout() time.Duration {
	if d := parseDuration(c.STUN.Timeout); d > 0 {
		return d
	}
	return 5 * time.Second
}

// RosterPeers parses the statically configured peers into roster entries.
func (c *NodeConfig) RosterPeers() ([]membership.Peer, error) {
	out := make([]membership.Peer, 0, len(c.Peers))
	for i, pc := range c.Peers {
		id, err := proto.ParsePeerID(pc.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("peers[%d].public_key: %w", i, err)
		}
		p := membership.Peer{PublicKey: id, Persistent: pc.Persistent}
		if pc.TunnelAddr != "" {
			addr, err := netip.ParseAddr(pc.TunnelAddr)
			if err != nil {
				return nil, fmt.Errorf("peers[%d].tunnel_addr: %w", i, err)
			}
			p.TunnelAddr = addr
		}
		for _, e := range pc.Endpoints {
			ep, err := netip.ParseAddrPort(e)
			if err != nil {
				return nil, fmt.Errorf("peers[%d].endpoints: %w", i, err)
			}
			p.Endpoints = append(p.Endpoints, ep)
		}
		if pc.ObservedEndpoint != "" {
			ep, err := netip.ParseAddrPort(pc.ObservedEndpoint)
			if err != nil {
				return nil, fmt.Errorf("peers[%d].observed_endpoint: %w", i, err)
			}
			p.Observed = ep
		}
		out = append(out, p)
	}
	return out, nil
}

// TraverseConfig builds the traversal engine configuration.
func (c *NodeConfig) TraverseConfig() traverse.Config {
	return traverse.Config{
		StepInterval:   parseDuration(c.Traverse.StepInterval),
		ParallelProbes: c.Traverse.ParallelProbes,
		ProbeTimeout:   parseDuration(c.Traverse.ProbeTimeout),
		QueuePasses:    c.Traverse.QueuePasses,
	}
}

// CacheConfig builds the connection cache configuration.
func (c *NodeConfig) CacheConfig() cache.Config {
	return cache.Config{
		Path:              c.Cache.Path,
		MaxAge:            parseDuration(c.Cache.MaxAge),
		FlushInterval:     parseDuration(c.Cache.FlushInterval),
		MaxEntriesPerPeer: c.Cache.MaxPerPeer,
		FailureWindow:     parseDuration(c.Cache.FailureWindow),
	}
}

// ManagerConfig builds the relay client configuration.
func (c *NodeConfig) ManagerConfig() relay.ManagerConfig {
	return relay.ManagerConfig{
		ListenAddr:        c.Relay.ListenAddr,
		ResponseTimeout:   parseDuration(c.Relay.ResponseTimeout),
		HeartbeatInterval: parseDuration(c.Relay.HeartbeatInterval),
		HomeRelays:        c.Relay.HomeRelays,
	}
}

// RegistryConfig builds the relay registry configuration.
func (c *NodeConfig) RegistryConfig() relay.RegistryConfig {
	return buildRegistryConfig(&c.Discovery)
}

// RegistryConfig builds the relay registry configuration.
func (c *RelayConfig) RegistryConfig() relay.RegistryConfig {
	return buildRegistryConfig(&c.Discovery)
}

func buildRegistryConfig(d *DiscoveryConfig) relay.RegistryConfig {
	return relay.RegistryConfig{
		Bootstrap:         d.Bootstrap,
		Region:            d.Region,
		Path:              d.Path,
		RefreshInterval:   parseDuration(d.RefreshInterval),
		LoadWeight:        d.LoadWeight,
		RegionWeight:      d.RegionWeight,
		ReliabilityWeight: d.ReliabilityWeight,
	}
}

// ServiceConfig builds the relay service configuration.
func (c *RelayConfig) ServiceConfig() relay.ServiceConfig {
	return relay.ServiceConfig{
		ListenAddr:           c.Service.ListenAddr,
		HTTPAddr:             c.Service.HTTPAddr,
		AdvertiseAddr:        c.Service.AdvertiseAddr,
		AdvertiseWSURL:       c.Service.AdvertiseWSURL,
		Region:               c.Service.Region,
		MaxTotalSessions:     c.Service.MaxSessions,
		MaxSessionsPerClient: c.Service.MaxSessionsPerPeer,
		SessionIdleTimeout:   parseDuration(c.Service.SessionIdleTimeout),
		AnnounceTargets:      c.Service.AnnounceTargets,
		BytesPerSecond:       int(bandwidthBytes(c.Service.BandwidthPerSession)),
	}
}

// bandwidthBytes parses a per-session bandwidth limit like "1MB" or
// "10mbps" into bytes per second; zero keeps the service default.
func bandwidthBytes(s string) int64 {
	if s == "" {
		return 0
	}
	if n, err := bytesize.ParseRate(s); err == nil {
		return n
	}
	n, err := bytesize.Parse(s)
	if err != nil {
		return 0
	}
	return n
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
