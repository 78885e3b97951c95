package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/meshpath/meshpath/internal/cache"
	"github.com/meshpath/meshpath/pkg/proto"
)

// BootstrapRelay is a statically configured relay seed.
type BootstrapRelay struct {
	RelayID      string `yaml:"relay_id" json:"relay_id"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	Region       string `yaml:"region,omitempty" json:"region,omitempty"`
	WebsocketURL string `yaml:"websocket_url,omitempty" json:"websocket_url,omitempty"`
}

// RegistryConfig tunes relay discovery and selection.
type RegistryConfig struct {
	// Bootstrap seeds the registry before any discovery round.
	Bootstrap []BootstrapRelay `yaml:"bootstrap"`
	// Region is this node's region, used for selection affinity.
	Region string `yaml:"region"`
	// MaxRelayAge drops descriptors not refreshed within this window.
	MaxRelayAge time.Duration `yaml:"max_relay_age"`
	// RefreshInterval is the discovery query period.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// QuerySample is how many known relays each refresh round queries.
	QuerySample int `yaml:"query_sample"`
	// QueryTimeout bounds one discovery exchange.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// Selection score weights. They need not sum to one; larger means
	// the term matters more.
	LoadWeight        float64 `yaml:"load_weight"`
	RegionWeight      float64 `yaml:"region_weight"`
	ReliabilityWeight float64 `yaml:"reliability_weight"`
	// Path persists the last known registry between restarts; empty
	// disables persistence.
	Path string `yaml:"path"`
}

// DefaultRegistryConfig returns the stock discovery tuning.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxRelayAge:       time.Hour,
		RefreshInterval:   10 * time.Minute,
		QuerySample:       3,
		QueryTimeout:      3 * time.Second,
		LoadWeight:        0.5,
		RegionWeight:      0.3,
		ReliabilityWeight: 0.2,
	}
}

func (c *RegistryConfig) withDefaults() RegistryConfig {
	d := DefaultRegistryConfig()
	out := *c
	if out.MaxRelayAge <= 0 {
		out.MaxRelayAge = d.MaxRelayAge
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = d.RefreshInterval
	}
	if out.QuerySample <= 0 {
		out.QuerySample = d.QuerySample
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = d.QueryTimeout
	}
	if out.LoadWeight == 0 && out.RegionWeight == 0 && out.ReliabilityWeight == 0 {
		out.LoadWeight = d.LoadWeight
		out.RegionWeight = d.RegionWeight
		out.ReliabilityWeight = d.ReliabilityWeight
	}
	return out
}

type relayEntry struct {
	info      proto.RelayNodeInfo
	successes int
	failures  int
}

// reliability is the session success ratio observed through this relay.
// Untried relays score a neutral 0.5 so newcomers are not starved.
func (e *relayEntry) reliability() float64 {
	total := e.successes + e.failures
	if total == 0 {
		return 0.5
	}
	return float64(e.successes) / float64(total)
}

// Registry is the local view of available relay nodes. It is a soft
// cache: entries expire unless refreshed by announcements or discovery.
type Registry struct {
	cfg   RegistryConfig
	clk   clock.Clock
	cache *cache.Cache

	mu     sync.RWMutex
	relays map[proto.PeerID]*relayEntry
}

// NewRegistry builds a registry seeded from bootstrap config and, when
// configured, the persisted snapshot of the previous run.
func NewRegistry(cfg RegistryConfig, c *cache.Cache) *Registry {
	return NewRegistryWithClock(cfg, c, clock.New())
}

// NewRegistryWithClock is NewRegistry with an injectable clock for tests.
func NewRegistryWithClock(cfg RegistryConfig, c *cache.Cache, clk clock.Clock) *Registry {
	r := &Registry{
		cfg:    cfg.withDefaults(),
		clk:    clk,
		cache:  c,
		relays: make(map[proto.PeerID]*relayEntry),
	}
	if r.cfg.Path != "" {
		if err := r.load(); err != nil {
			log.Warn().Err(err).Str("path", r.cfg.Path).
				Msg("relay registry snapshot unreadable, starting from bootstrap")
		}
	}
	r.seedBootstrap()
	return r
}

func (r *Registry) seedBootstrap() {
	now := r.clk.Now()
	for _, b := range r.cfg.Bootstrap {
		id, err := proto.ParsePeerID(b.RelayID)
		if err != nil {
			log.Warn().Str("relay_id", b.RelayID).Err(err).Msg("bad bootstrap relay id")
			continue
		}
		ep, err := netip.ParseAddrPort(b.Endpoint)
		if err != nil {
			log.Warn().Str("endpoint", b.Endpoint).Err(err).Msg("bad bootstrap relay endpoint")
			continue
		}
		caps := proto.CapIPv4
		if b.WebsocketURL != "" {
			caps |= proto.CapTCPFallback
		}
		info := proto.RelayNodeInfo{
			RelayID:      id,
			Endpoints:    []netip.AddrPort{ep},
			Region:       b.Region,
			Capabilities: caps,
			WebsocketURL: b.WebsocketURL,
			LastSeen:     now,
		}
		r.Upsert(info)
	}
}

// Upsert merges a relay descriptor into the registry. Older descriptors
// never overwrite newer ones.
func (r *Registry) Upsert(info proto.RelayNodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.relays[info.RelayID]
	if !ok {
		r.relays[info.RelayID] = &relayEntry{info: info}
		return
	}
	if info.LastSeen.Before(e.info.LastSeen) {
		return
	}
	// Latency is measured locally, not advertised; keep ours unless the
	// descriptor carries its own estimate.
	if info.LatencyMs == 0 {
		info.LatencyMs = e.info.LatencyMs
	}
	e.info = info
}

// HandleAnnouncement verifies and absorbs a relay announcement frame.
func (r *Registry) HandleAnnouncement(f *proto.Frame) error {
	m, err := f.Decode()
	if err != nil {
		return err
	}
	ann, ok := m.(*proto.RelayAnnouncement)
	if !ok {
		return fmt.Errorf("frame is %s, not an announcement", f.Type)
	}
	if err := f.Verify(ann.Relay.RelayID.Key()); err != nil {
		return err
	}
	if ann.Relay.LastSeen.IsZero() {
		ann.Relay.LastSeen = time.Unix(ann.Timestamp, 0)
	}
	r.Upsert(ann.Relay)
	log.Debug().Str("relay", ann.Relay.RelayID.Short()).
		Int("load", ann.Relay.Load).Msg("relay announcement absorbed")
	return nil
}

// Lookup returns the descriptor for a relay.
func (r *Registry) Lookup(id proto.PeerID) (proto.RelayNodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.relays[id]
	if !ok {
		return proto.RelayNodeInfo{}, false
	}
	return e.info, true
}

// Snapshot returns all known descriptors, stalest last.
func (r *Registry) Snapshot() []proto.RelayNodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]proto.RelayNodeInfo, 0, len(r.relays))
	for _, e := range r.relays {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].RelayID.String() < out[j].RelayID.String()
	})
	return out
}

// Len reports the number of known relays.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.relays)
}

// ReportSuccess notes a session established through relay.
func (r *Registry) ReportSuccess(id proto.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.relays[id]; ok {
		e.successes++
	}
}

// ReportFailure notes a failed attempt through relay.
func (r *Registry) ReportFailure(id proto.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.relays[id]; ok {
		e.failures++
	}
}

// ObserveLatency folds a measured round-trip to relay into its descriptor,
// smoothing 50/50 with the previous figure. Sub-millisecond measurements
// round up so a measured relay never reads as unmeasured.
func (r *Registry) ObserveLatency(id proto.PeerID, rtt time.Duration) {
	ms := int(rtt.Milliseconds())
	if ms <= 0 {
		ms = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.relays[id]
	if !ok {
		return
	}
	if e.info.LatencyMs == 0 {
		e.info.LatencyMs = ms
		return
	}
	e.info.LatencyMs = (e.info.LatencyMs + ms) / 2
}

// Prune drops descriptors older than MaxRelayAge.
func (r *Registry) Prune() int {
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.relays {
		if e.info.Stale(now, r.cfg.MaxRelayAge) {
			delete(r.relays, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("pruned stale relay descriptors")
	}
	return removed
}

// scored pairs a descriptor with its selection score.
type scored struct {
	info  proto.RelayNodeInfo
	score float64
}

// SelectRelays returns candidate relays for reaching peer, best first.
// A relay that carried traffic to this peer before is tried first if it
// is still viable; the rest are ordered by the weighted score of load,
// region affinity, and observed reliability. Ordering is deterministic:
// equal scores break by measured latency, then by relay id.
func (r *Registry) SelectRelays(peer proto.PeerID, exclude map[proto.PeerID]bool, need proto.Capabilities) []proto.RelayNodeInfo {
	now := r.clk.Now()
	r.mu.RLock()
	candidates := make([]scored, 0, len(r.relays))
	for _, e := range r.relays {
		info := e.info
		if exclude[info.RelayID] {
			continue
		}
		if !info.Available(now, r.cfg.MaxRelayAge) {
			continue
		}
		if need != 0 && !info.Capabilities.Has(need) {
			continue
		}
		candidates = append(candidates, scored{info: info, score: r.score(e)})
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// Zero latency means never measured; measured relays win.
		li, lj := candidates[i].info.LatencyMs, candidates[j].info.LatencyMs
		if li != lj {
			if li == 0 {
				return false
			}
			if lj == 0 {
				return true
			}
			return li < lj
		}
		return candidates[i].info.RelayID.String() < candidates[j].info.RelayID.String()
	})

	out := make([]proto.RelayNodeInfo, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.info)
	}

	// Prior-success fast path: a relay that worked for this peer jumps
	// the queue. Walked in reverse so the most reliable prior relay ends
	// up first.
	if r.cache != nil {
		priors := r.cache.RelayCandidates(peer)
		for i := len(priors) - 1; i >= 0; i-- {
			if priors[i].Reliability() <= 0 {
				continue
			}
			for j, info := range out {
				if info.RelayID == priors[i].RelayID && j > 0 {
					copy(out[1:j+1], out[:j])
					out[0] = info
					break
				}
			}
		}
	}
	return out
}

func (r *Registry) score(e *relayEntry) float64 {
	load := float64(e.info.Load) / 100
	if load > 1 {
		load = 1
	}
	affinity := 0.0
	if r.cfg.Region != "" && e.info.Region == r.cfg.Region {
		affinity = 1
	}
	return r.cfg.LoadWeight*(1-load) +
		r.cfg.RegionWeight*affinity +
		r.cfg.ReliabilityWeight*e.reliability()
}

// registrySnapshot is the persisted form of the registry.
type registrySnapshot struct {
	Version int                   `json:"version"`
	Relays  []proto.RelayNodeInfo `json:"relays"`
}

// Save writes the registry snapshot for the next start.
func (r *Registry) Save() error {
	if r.cfg.Path == "" {
		return nil
	}
	snap := registrySnapshot{Version: 1, Relays: r.Snapshot()}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.cfg.Path), ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create registry snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write registry snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close registry snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.cfg.Path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace registry snapshot: %w", err)
	}
	return nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry snapshot: %w", err)
	}
	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse registry snapshot: %w", err)
	}
	for _, info := range snap.Relays {
		r.relays[info.RelayID] = &relayEntry{info: info}
	}
	return nil
}

// Run refreshes the registry until ctx is cancelled: every interval it
// queries a sample of known relays for their view, merges the answers,
// and prunes what aged out.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clk.Ticker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Save(); err != nil {
				log.Warn().Err(err).Msg("registry snapshot save failed")
			}
			return
		case <-ticker.C:
			r.refresh(ctx)
			r.Prune()
			if err := r.Save(); err != nil {
				log.Warn().Err(err).Msg("registry snapshot save failed")
			}
		}
	}
}

// refresh queries up to QuerySample known relays over UDP and merges
// their discovery responses.
func (r *Registry) refresh(ctx context.Context) {
	targets := r.Snapshot()
	if len(targets) > r.cfg.QuerySample {
		targets = targets[:r.cfg.QuerySample]
	}
	for _, info := range targets {
		if len(info.Endpoints) == 0 {
			continue
		}
		if err := r.queryRelay(ctx, info.Endpoints[0]); err != nil {
			log.Debug().Str("relay", info.RelayID.Short()).Err(err).
				Msg("discovery query failed")
		}
	}
}

// QueryRelay performs one discovery exchange with the relay at ep and
// merges the response into the registry.
func (r *Registry) QueryRelay(ctx context.Context, ep netip.AddrPort) (int, error) {
	before := r.Len()
	if err := r.queryRelay(ctx, ep); err != nil {
		return 0, err
	}
	return r.Len() - before, nil
}

func (r *Registry) queryRelay(ctx context.Context, ep netip.AddrPort) error {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(ep))
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	query := &proto.DiscoveryQuery{Nonce: proto.NewSessionID(), Region: r.cfg.Region}
	buf, err := proto.EncodeMessage(query)
	if err != nil {
		return err
	}
	deadline := r.clk.Now().Add(r.cfg.QueryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("send discovery query: %w", err)
	}

	resp := make([]byte, 64*1024)
	n, err := conn.Read(resp)
	if err != nil {
		return fmt.Errorf("await discovery response: %w", err)
	}
	f, err := proto.DecodeFrame(resp[:n])
	if err != nil {
		return err
	}
	m, err := f.Decode()
	if err != nil {
		return err
	}
	dr, ok := m.(*proto.DiscoveryResponse)
	if !ok || dr.Nonce != query.Nonce {
		return fmt.Errorf("unexpected discovery reply %s", f.Type)
	}
	for _, info := range dr.Relays {
		r.Upsert(info)
	}
	return nil
}
