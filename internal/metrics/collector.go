package metrics

import (
	"context"
	"time"

	"github.com/meshpath/meshpath/internal/cache"
	"github.com/meshpath/meshpath/internal/traverse"
	"github.com/meshpath/meshpath/pkg/proto"
)

// ProbeStats is the slice of the traversal engine the collector samples.
type ProbeStats interface {
	Stats() traverse.EngineStats
}

// EscalationStats is the slice of the escalator the collector samples.
type EscalationStats interface {
	Stats() traverse.EscalatorStats
}

// CacheStats is the slice of the connection cache the collector samples.
type CacheStats interface {
	Stats() cache.Stats
	BestRTTs() map[proto.PeerID]time.Duration
}

// PathCounter reports how many peers are reached directly and via relays.
type PathCounter interface {
	Counts() (direct, relayed int)
}

// RelayClient is the slice of the relay manager the collector samples.
type RelayClient interface {
	HeartbeatTimeouts() uint64
}

// NodeCollectorConfig names the sources the collector samples. Nil
// sources are skipped.
type NodeCollectorConfig struct {
	Engine    ProbeStats
	Escalator EscalationStats
	Cache     CacheStats
	Paths     PathCounter
	Relay     RelayClient
}

// nodeSnapshot holds the last-seen cumulative counters for delta
// calculation.
type nodeSnapshot struct {
	probes      uint64
	failures    uint64
	escalations uint64
	connectOKs  uint64
	connectErrs uint64
	upgrades    uint64
	evictions   uint64
	hbTimeouts  uint64
}

// NodeCollector periodically samples the node's components and updates
// the Prometheus metrics. Cumulative component counters are converted to
// metric increments via delta snapshots, so component restarts never
// decrement a counter.
type NodeCollector struct {
	metrics *NodeMetrics
	cfg     NodeCollectorConfig

	last nodeSnapshot
}

// NewNodeCollector builds a collector over the given sources.
func NewNodeCollector(m *NodeMetrics, cfg NodeCollectorConfig) *NodeCollector {
	return &NodeCollector{metrics: m, cfg: cfg}
}

// Collect samples every configured source once.
func (c *NodeCollector) Collect() {
	c.collectTraversal()
	c.collectCache()
	c.collectPaths()
	c.collectRelayClient()
}

func (c *NodeCollector) collectTraversal() {
	if c.cfg.Engine != nil {
		s := c.cfg.Engine.Stats()
		if s.Probes > c.last.probes {
			c.metrics.ProbesTotal.Add(float64(s.Probes - c.last.probes))
		}
		if s.Failures > c.last.failures {
			c.metrics.ProbeFailures.Add(float64(s.Failures - c.last.failures))
		}
		c.last.probes = s.Probes
		c.last.failures = s.Failures
	}

	if c.cfg.Escalator != nil {
		s := c.cfg.Escalator.Stats()
		if s.Escalations > c.last.escalations {
			c.metrics.EscalationsTotal.Add(float64(s.Escalations - c.last.escalations))
		}
		if s.ConnectOKs > c.last.connectOKs {
			c.metrics.RelayConnectsOK.Add(float64(s.ConnectOKs - c.last.connectOKs))
		}
		if s.ConnectErrs > c.last.connectErrs {
			c.metrics.RelayConnectsErr.Add(float64(s.ConnectErrs - c.last.connectErrs))
		}
		if s.Upgrades > c.last.upgrades {
			c.metrics.DirectUpgrades.Add(float64(s.Upgrades - c.last.upgrades))
		}
		c.last.escalations = s.Escalations
		c.last.connectOKs = s.ConnectOKs
		c.last.connectErrs = s.ConnectErrs
		c.last.upgrades = s.Upgrades
	}
}

func (c *NodeCollector) collectCache() {
	if c.cfg.Cache == nil {
		return
	}
	s := c.cfg.Cache.Stats()
	c.metrics.CacheEndpoints.Set(float64(s.Endpoints))
	if s.Evictions > c.last.evictions {
		c.metrics.CacheEvictions.Add(float64(s.Evictions - c.last.evictions))
	}
	c.last.evictions = s.Evictions

	for peer, rtt := range c.cfg.Cache.BestRTTs() {
		c.metrics.PeerRTTMs.WithLabelValues(peer.Short()).Set(float64(rtt.Microseconds()) / 1e3)
	}
}

func (c *NodeCollector) collectPaths() {
	if c.cfg.Paths == nil {
		return
	}
	direct, relayed := c.cfg.Paths.Counts()
	c.metrics.DirectPaths.Set(float64(direct))
	c.metrics.RelayedPaths.Set(float64(relayed))
}

func (c *NodeCollector) collectRelayClient() {
	if c.cfg.Relay == nil {
		return
	}
	n := c.cfg.Relay.HeartbeatTimeouts()
	if n > c.last.hbTimeouts {
		c.metrics.HeartbeatTimeouts.Add(float64(n - c.last.hbTimeouts))
	}
	c.last.hbTimeouts = n
}

// Run drives Collect at interval until ctx is cancelled. It collects
// once immediately so scrapes right after startup see real values.
func (c *NodeCollector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
