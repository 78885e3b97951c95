// Package cache remembers which endpoints worked for which peers, so
// later connection attempts try the good ones first and give up on dead
// ones fast. It also owns the policy deciding when direct traversal has
// failed hard enough to justify falling back to a relay.
package cache

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/meshpath/meshpath/pkg/proto"
)

// Config tunes cache behavior. Zero values are replaced by defaults in New.
type Config struct {
	// Alpha is the EWMA smoothing factor for endpoint quality and RTT.
	Alpha float64 `yaml:"alpha"`
	// MaxEntriesPerPeer caps cached endpoints per peer; the highest
	// success counts survive.
	MaxEntriesPerPeer int `yaml:"max_entries_per_peer"`
	// MaxAge evicts entries whose last success is older than this.
	MaxAge time.Duration `yaml:"max_age"`
	// MinDirectAttempts is how many direct attempts a peer gets before
	// relay escalation is considered.
	MinDirectAttempts int `yaml:"min_direct_attempts"`
	// FailureWindow and FailureThreshold trigger escalation on a burst
	// of failures regardless of attempt counts.
	FailureWindow    time.Duration `yaml:"failure_window"`
	FailureThreshold int           `yaml:"failure_threshold"`
	// EvictAfterFailures drops an endpoint after this many consecutive
	// failures.
	EvictAfterFailures int `yaml:"evict_after_failures"`
	// Path is the JSON snapshot file; empty disables persistence.
	Path string `yaml:"path"`
	// FlushInterval is how often Run writes the snapshot.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns the stock cache tuning.
func DefaultConfig() Config {
	return Config{
		Alpha:              0.3,
		MaxEntriesPerPeer:  5,
		MaxAge:             7 * 24 * time.Hour,
		MinDirectAttempts:  3,
		FailureWindow:      30 * time.Minute,
		FailureThreshold:   10,
		EvictAfterFailures: 5,
		FlushInterval:      time.Minute,
	}
}

func (c *Config) withDefaults() Config {
	d := DefaultConfig()
	out := *c
	if out.Alpha <= 0 || out.Alpha > 1 {
		out.Alpha = d.Alpha
	}
	if out.MaxEntriesPerPeer <= 0 {
		out.MaxEntriesPerPeer = d.MaxEntriesPerPeer
	}
	if out.MaxAge <= 0 {
		out.MaxAge = d.MaxAge
	}
	if out.MinDirectAttempts <= 0 {
		out.MinDirectAttempts = d.MinDirectAttempts
	}
	if out.FailureWindow <= 0 {
		out.FailureWindow = d.FailureWindow
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = d.FailureThreshold
	}
	if out.EvictAfterFailures <= 0 {
		out.EvictAfterFailures = d.EvictAfterFailures
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = d.FlushInterval
	}
	return out
}

// Entry is the cached record for one (peer, endpoint) pair.
type Entry struct {
	Endpoint            netip.AddrPort `json:"endpoint"`
	LastSuccess         time.Time      `json:"last_success"`
	LastAttempt         time.Time      `json:"last_attempt"`
	SuccessCount        int            `json:"success_count"`
	FailureCount        int            `json:"failure_count"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Quality             float64        `json:"quality"` // EWMA of success=1 / failure=0
	RTTMicros           int64          `json:"rtt_us"`  // EWMA round-trip time
}

// RelayRecord tracks historical outcomes of relayed connections to a peer
// through one relay.
type RelayRecord struct {
	RelayID     proto.PeerID `json:"relay_id"`
	Successes   int          `json:"successes"`
	Failures    int          `json:"failures"`
	LastSuccess time.Time    `json:"last_success"`
	LastAttempt time.Time    `json:"last_attempt"`
}

// Reliability is the success ratio over all attempts through this relay.
func (r *RelayRecord) Reliability() float64 {
	total := r.Successes + r.Failures
	if total == 0 {
		return 0
	}
	return float64(r.Successes) / float64(total)
}

type peerState struct {
	entries        []*Entry
	relays         map[proto.PeerID]*RelayRecord
	directAttempts int
	recentFailures []time.Time // attempt failures inside FailureWindow
}

// Cache is the connection cache. All methods are safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	cfg       Config
	clk       clock.Clock
	peers     map[proto.PeerID]*peerState
	dirty     bool
	evictions uint64
}

// New builds a cache with the real clock.
func New(cfg Config) *Cache {
	return NewWithClock(cfg, clock.New())
}

// NewWithClock builds a cache driven by clk, which tests replace with a
// mock to step time.
func NewWithClock(cfg Config, clk clock.Clock) *Cache {
	c := &Cache{
		cfg:   cfg.withDefaults(),
		clk:   clk,
		peers: make(map[proto.PeerID]*peerState),
	}
	if c.cfg.Path != "" {
		if err := c.load(); err != nil {
			log.Warn().Err(err).Str("path", c.cfg.Path).
				Msg("connection cache snapshot unreadable, starting empty")
		}
	}
	return c
}

func (c *Cache) state(peer proto.PeerID) *peerState {
	ps, ok := c.peers[peer]
	if !ok {
		ps = &peerState{relays: make(map[proto.PeerID]*RelayRecord)}
		c.peers[peer] = ps
	}
	return ps
}

func (ps *peerState) entry(ep netip.AddrPort) *Entry {
	for _, e := range ps.entries {
		if e.Endpoint == ep {
			return e
		}
	}
	return nil
}

// RecordSuccess notes a successful direct connection to peer at ep.
// Repeating the same outcome is safe: counters grow and the quality EWMA
// converges toward 1, but derived decisions do not flip.
func (c *Cache) RecordSuccess(peer proto.PeerID, ep netip.AddrPort, rtt time.Duration) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.state(peer)
	ps.directAttempts++
	// A working direct path resets the escalation state.
	ps.recentFailures = nil

	e := ps.entry(ep)
	if e == nil {
		e = &Entry{Endpoint: ep, Quality: 1, RTTMicros: rtt.Microseconds()}
		ps.entries = append(ps.entries, e)
	} else {
		e.Quality = e.Quality + c.cfg.Alpha*(1-e.Quality)
		if rtt > 0 {
			e.RTTMicros = int64(float64(e.RTTMicros) + c.cfg.Alpha*float64(rtt.Microseconds()-e.RTTMicros))
		}
	}
	e.SuccessCount++
	e.ConsecutiveFailures = 0
	e.LastSuccess = now
	e.LastAttempt = now
	c.trimLocked(ps)
	c.dirty = true

	log.Debug().Str("peer", peer.Short()).Stringer("endpoint", ep).
		Dur("rtt", rtt).Int("successes", e.SuccessCount).
		Msg("cached endpoint success")
}

// RecordFailure notes a failed direct attempt to peer at ep. Endpoints
// failing EvictAfterFailures times in a row are dropped.
func (c *Cache) RecordFailure(peer proto.PeerID, ep netip.AddrPort) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.state(peer)
	ps.directAttempts++
	ps.recentFailures = append(c.pruneFailuresLocked(ps, now), now)

	e := ps.entry(ep)
	if e == nil {
		e = &Entry{Endpoint: ep}
		ps.entries = append(ps.entries, e)
	} else {
		e.Quality = e.Quality * (1 - c.cfg.Alpha)
	}
	e.FailureCount++
	e.ConsecutiveFailures++
	e.LastAttempt = now
	c.dirty = true

	if e.ConsecutiveFailures >= c.cfg.EvictAfterFailures {
		c.removeEntryLocked(ps, ep)
		c.evictions++
		log.Debug().Str("peer", peer.Short()).Stringer("endpoint", ep).
			Int("consecutive_failures", e.ConsecutiveFailures).
			Msg("evicted endpoint after repeated failures")
	}
}

func (c *Cache) pruneFailuresLocked(ps *peerState, now time.Time) []time.Time {
	cutoff := now.Add(-c.cfg.FailureWindow)
	kept := ps.recentFailures[:0]
	for _, t := range ps.recentFailures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (c *Cache) removeEntryLocked(ps *peerState, ep netip.AddrPort) {
	for i, e := range ps.entries {
		if e.Endpoint == ep {
			ps.entries = append(ps.entries[:i], ps.entries[i+1:]...)
			return
		}
	}
}

// trimLocked keeps the per-peer entry count at the cap, preferring higher
// success counts and breaking ties toward the most recent success.
func (c *Cache) trimLocked(ps *peerState) {
	if len(ps.entries) <= c.cfg.MaxEntriesPerPeer {
		return
	}
	sortEntries(ps.entries)
	ps.entries = ps.entries[:c.cfg.MaxEntriesPerPeer]
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SuccessCount != entries[j].SuccessCount {
			return entries[i].SuccessCount > entries[j].SuccessCount
		}
		return entries[i].LastSuccess.After(entries[j].LastSuccess)
	})
}

// BestEndpoints returns the cached endpoints for peer, best first: most
// successes, then most recent success.
func (c *Cache) BestEndpoints(peer proto.PeerID) []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.peers[peer]
	if !ok {
		return nil
	}
	sortEntries(ps.entries)
	out := make([]netip.AddrPort, len(ps.entries))
	for i, e := range ps.entries {
		out[i] = e.Endpoint
	}
	return out
}

// Entry returns the cached record for one (peer, endpoint) pair.
func (c *Cache) Entry(peer proto.PeerID, ep netip.AddrPort) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.peers[peer]
	if !ok {
		return Entry{}, false
	}
	e := ps.entry(ep)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// ShouldAttemptRelay reports whether direct traversal to peer has failed
// hard enough that a relay should be tried. It holds two triggers:
//
//  1. the peer has had at least MinDirectAttempts attempts and every
//     cached endpoint is currently in a failure streak, or
//  2. more than FailureThreshold failures landed inside FailureWindow.
//
// A direct success clears both, so escalation cannot flap mid-window.
func (c *Cache) ShouldAttemptRelay(peer proto.PeerID) bool {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.peers[peer]
	if !ok {
		return false
	}

	if ps.directAttempts >= c.cfg.MinDirectAttempts {
		allFailing := len(ps.entries) == 0
		if !allFailing {
			allFailing = true
			for _, e := range ps.entries {
				if e.ConsecutiveFailures == 0 {
					allFailing = false
					break
				}
			}
		}
		if allFailing {
			return true
		}
	}

	ps.recentFailures = c.pruneFailuresLocked(ps, now)
	return len(ps.recentFailures) > c.cfg.FailureThreshold
}

// RecordRelaySuccess notes that a relayed connection to peer through relay
// was established.
func (c *Cache) RecordRelaySuccess(peer, relay proto.PeerID) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.state(peer)
	r := ps.relays[relay]
	if r == nil {
		r = &RelayRecord{RelayID: relay}
		ps.relays[relay] = r
	}
	r.Successes++
	r.LastSuccess = now
	r.LastAttempt = now
	c.dirty = true
}

// RecordRelayFailure notes that connecting to peer through relay failed.
func (c *Cache) RecordRelayFailure(peer, relay proto.PeerID) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.state(peer)
	r := ps.relays[relay]
	if r == nil {
		r = &RelayRecord{RelayID: relay}
		ps.relays[relay] = r
	}
	r.Failures++
	r.LastAttempt = now
	c.dirty = true
}

// RelayCandidates returns relays that previously carried traffic to peer,
// most reliable first. Ties break toward the most recent success, then by
// relay ID so the order is stable.
func (c *Cache) RelayCandidates(peer proto.PeerID) []RelayRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.peers[peer]
	if !ok {
		return nil
	}
	out := make([]RelayRecord, 0, len(ps.relays))
	for _, r := range ps.relays {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Reliability(), out[j].Reliability()
		if ri != rj {
			return ri > rj
		}
		if !out[i].LastSuccess.Equal(out[j].LastSuccess) {
			return out[i].LastSuccess.After(out[j].LastSuccess)
		}
		return out[i].RelayID.String() < out[j].RelayID.String()
	})
	return out
}

// ResetPeer forgets everything about peer, including relay history.
func (c *Cache) ResetPeer(peer proto.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, peer)
	c.dirty = true
}

// Prune drops entries whose last success is older than MaxAge and peers
// with nothing left. Entries that never succeeded age out by LastAttempt.
func (c *Cache) Prune() int {
	now := c.clk.Now()
	cutoff := now.Add(-c.cfg.MaxAge)
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for peer, ps := range c.peers {
		kept := ps.entries[:0]
		for _, e := range ps.entries {
			ref := e.LastSuccess
			if ref.IsZero() {
				ref = e.LastAttempt
			}
			if ref.After(cutoff) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		ps.entries = kept
		if len(ps.entries) == 0 && len(ps.relays) == 0 {
			delete(c.peers, peer)
		}
	}
	if removed > 0 {
		c.dirty = true
		c.evictions += uint64(removed)
		log.Debug().Int("removed", removed).Msg("pruned stale cache entries")
	}
	return removed
}

// Len reports the number of peers with cached state.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// Stats is a point-in-time summary of cache contents.
type Stats struct {
	Peers     int
	Endpoints int
	Evictions uint64
}

// Stats summarizes the cache for observability.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Peers: len(c.peers), Evictions: c.evictions}
	for _, ps := range c.peers {
		s.Endpoints += len(ps.entries)
	}
	return s
}

// BestRTTs reports the smoothed round-trip time of each peer's best
// cached endpoint.
func (c *Cache) BestRTTs() map[proto.PeerID]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[proto.PeerID]time.Duration, len(c.peers))
	for peer, ps := range c.peers {
		if len(ps.entries) == 0 {
			continue
		}
		sortEntries(ps.entries)
		if ps.entries[0].RTTMicros > 0 {
			out[peer] = time.Duration(ps.entries[0].RTTMicros) * time.Microsecond
		}
	}
	return out
}
