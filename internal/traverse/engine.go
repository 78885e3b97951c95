// Package traverse drives direct connection establishment: it walks each
// peer's candidate endpoints in reachability order, probes a few in
// parallel per round, and records every outcome in the connection cache.
// Peers that run out of candidates are handed to relay escalation.
package traverse

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshpath/meshpath/internal/cache"
	"github.com/meshpath/meshpath/internal/device"
	"github.com/meshpath/meshpath/internal/membership"
	"github.com/meshpath/meshpath/pkg/proto"
)

// Prober attempts a direct handshake with peer at ep and reports the
// round-trip time. The engine treats the outcome as opaque: any error is
// a failed candidate, nothing more.
type Prober interface {
	Probe(ctx context.Context, peer proto.PeerID, ep netip.AddrPort) (time.Duration, error)
}

// Config tunes the traversal engine.
type Config struct {
	// StepInterval is the pause between traversal rounds.
	StepInterval time.Duration `yaml:"step_interval"`
	// ParallelProbes is how many candidates are probed per peer per round.
	ParallelProbes int `yaml:"parallel_probes"`
	// MaxCandidates caps the candidate queue built for a peer per cycle.
	MaxCandidates int `yaml:"max_candidates"`
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// QueuePasses is how many times a cycle replays a peer's candidate
	// list before declaring it exhausted, so a short list still accrues
	// enough attempts to satisfy the escalation policy.
	QueuePasses int `yaml:"queue_passes"`
}

// DefaultConfig returns the stock traversal tuning.
func DefaultConfig() Config {
	return Config{
		StepInterval:   time.Second,
		ParallelProbes: 3,
		MaxCandidates:  30,
		ProbeTimeout:   5 * time.Second,
		QueuePasses:    3,
	}
}

func (c *Config) withDefaults() Config {
	d := DefaultConfig()
	out := *c
	if out.StepInterval <= 0 {
		out.StepInterval = d.StepInterval
	}
	if out.ParallelProbes <= 0 {
		out.ParallelProbes = d.ParallelProbes
	}
	if out.MaxCandidates <= 0 {
		out.MaxCandidates = d.MaxCandidates
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = d.ProbeTimeout
	}
	if out.QueuePasses <= 0 {
		out.QueuePasses = d.QueuePasses
	}
	return out
}

// State is a peer's progress within the current traversal cycle.
type State int

const (
	StateUnattempted State = iota
	StateProbing
	StateConnected
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateUnattempted:
		return "unattempted"
	case StateProbing:
		return "probing"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type progress struct {
	peer    membership.Peer
	state   State
	queue   []netip.AddrPort
	initial []netip.AddrPort // replayed when the queue drains
	pass    int
	total   int  // candidates queued at cycle start
	direct  bool // connected through a probed endpoint this cycle
}

// Engine runs one traversal cycle over a set of peers.
type Engine struct {
	cfg    Config
	prober Prober
	cache  *cache.Cache
	dev    device.Device

	mu        sync.Mutex
	remaining map[proto.PeerID]*progress
	observed  map[proto.PeerID]netip.AddrPort
	cycle     string

	probes   uint64
	failures uint64
}

// New builds an engine. The cache is consulted for known-good endpoints
// and fed every probe outcome; the device receives the winning path.
func New(cfg Config, prober Prober, c *cache.Cache, dev device.Device) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		prober:    prober,
		cache:     c,
		dev:       dev,
		remaining: make(map[proto.PeerID]*progress),
		observed:  make(map[proto.PeerID]netip.AddrPort),
	}
}

// SetObservedEndpoint records a server-observed reflexive endpoint for
// peer. It is queued ahead of everything else next cycle.
func (e *Engine) SetObservedEndpoint(peer proto.PeerID, ep netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observed[peer] = ep
}

// Begin starts a traversal cycle over peers, replacing any previous cycle.
// Already-connected peers must be filtered by the caller.
func (e *Engine) Begin(peers []membership.Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cycle = uuid.NewString()
	e.remaining = make(map[proto.PeerID]*progress, len(peers))
	for _, p := range peers {
		queue := e.buildQueueLocked(p)
		e.remaining[p.PublicKey] = &progress{
			peer:    p,
			state:   StateUnattempted,
			queue:   queue,
			initial: append([]netip.AddrPort(nil), queue...),
			pass:    1,
			total:   len(queue),
		}
	}
	log.Debug().Str("cycle", e.cycle).Int("peers", len(peers)).Msg("traversal cycle started")
}

// buildQueueLocked orders a peer's candidates: the server-observed endpoint
// first, then cache-known-good endpoints, then advertised endpoints by
// reachability class, truncated to the cycle cap.
func (e *Engine) buildQueueLocked(p membership.Peer) []netip.AddrPort {
	seen := make(map[netip.AddrPort]bool)
	queue := make([]netip.AddrPort, 0, e.cfg.MaxCandidates)
	add := func(ep netip.AddrPort) {
		if !ep.IsValid() || seen[ep] || len(queue) >= e.cfg.MaxCandidates {
			return
		}
		seen[ep] = true
		queue = append(queue, ep)
	}

	if obs, ok := e.observed[p.PublicKey]; ok {
		add(obs)
	}
	for _, ep := range e.cache.BestEndpoints(p.PublicKey) {
		add(ep)
	}
	advertised := make([]netip.AddrPort, len(p.Endpoints))
	copy(advertised, p.Endpoints)
	sort.SliceStable(advertised, func(i, j int) bool {
		return proto.ClassifyAddr(advertised[i].Addr()) < proto.ClassifyAddr(advertised[j].Addr())
	})
	for _, ep := range advertised {
		add(ep)
	}
	return queue
}

// ApplyDiff adjusts the current cycle to a roster change: removed peers
// are dropped, added or updated peers get a fresh candidate queue unless
// they are already connected.
func (e *Engine) ApplyDiff(d membership.Diff) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := d.Peer.PublicKey
	switch d.Op {
	case membership.OpRemoved:
		delete(e.remaining, id)
	case membership.OpAdded, membership.OpUpdated:
		if pr, ok := e.remaining[id]; ok && pr.state == StateConnected {
			return
		}
		queue := e.buildQueueLocked(d.Peer)
		e.remaining[id] = &progress{
			peer:    d.Peer,
			state:   StateUnattempted,
			queue:   queue,
			initial: append([]netip.AddrPort(nil), queue...),
			pass:    1,
			total:   len(queue),
		}
	}
}

type probeJob struct {
	peer proto.PeerID
	ep   netip.AddrPort
}

// Step runs one traversal round: up to ParallelProbes candidates per
// unfinished peer, probed concurrently, outcomes recorded in the cache.
// It returns when every probe of the round has resolved.
func (e *Engine) Step(ctx context.Context) error {
	e.mu.Lock()
	var jobs []probeJob
	for id, pr := range e.remaining {
		if pr.state == StateConnected || pr.state == StateExhausted {
			continue
		}
		if len(pr.queue) == 0 {
			if pr.pass >= e.cfg.QueuePasses || len(pr.initial) == 0 {
				pr.state = StateExhausted
				log.Debug().Str("cycle", e.cycle).Str("peer", id.Short()).
					Int("passes", pr.pass).Msg("direct candidates exhausted")
				continue
			}
			pr.pass++
			pr.queue = append([]netip.AddrPort(nil), pr.initial...)
		}
		pr.state = StateProbing
		n := e.cfg.ParallelProbes
		if n > len(pr.queue) {
			n = len(pr.queue)
		}
		for _, ep := range pr.queue[:n] {
			jobs = append(jobs, probeJob{peer: id, ep: ep})
		}
		pr.queue = pr.queue[n:]
	}
	cycle := e.cycle
	e.mu.Unlock()

	if len(jobs) == 0 {
		return nil
	}

	// Bounded fan-out, one semaphore across all peers in the round.
	sem := make(chan struct{}, e.cfg.ParallelProbes)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job probeJob) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			e.probe(ctx, cycle, job)
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) probe(ctx context.Context, cycle string, job probeJob) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	rtt, err := e.prober.Probe(pctx, job.peer, job.ep)
	e.mu.Lock()
	e.probes++
	if err != nil && ctx.Err() == nil {
		e.failures++
	}
	e.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return // shutdown, not a verdict on the endpoint
		}
		e.cache.RecordFailure(job.peer, job.ep)
		log.Debug().Str("cycle", cycle).Str("peer", job.peer.Short()).
			Stringer("endpoint", job.ep).Err(err).Msg("probe failed")
		return
	}

	e.cache.RecordSuccess(job.peer, job.ep, rtt)

	e.mu.Lock()
	pr, ok := e.remaining[job.peer]
	first := ok && pr.state != StateConnected
	if first {
		pr.state = StateConnected
		pr.queue = nil
	}
	e.mu.Unlock()
	if !first {
		return // a parallel probe already won
	}

	if err := e.dev.SetPeerEndpoint(ctx, job.peer, device.Direct(job.ep)); err != nil {
		log.Error().Str("peer", job.peer.Short()).Stringer("endpoint", job.ep).
			Err(err).Msg("failed to install direct path")
		return
	}
	e.mu.Lock()
	if pr, ok := e.remaining[job.peer]; ok {
		pr.direct = true
	}
	e.mu.Unlock()
	log.Info().Str("cycle", cycle).Str("peer", job.peer.Short()).
		Stringer("endpoint", job.ep).Dur("rtt", rtt).Msg("direct path established")
}

// MarkConnected records that peer was connected outside the engine, e.g.
// through a relay, so the cycle stops probing it.
func (e *Engine) MarkConnected(peer proto.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pr, ok := e.remaining[peer]; ok {
		pr.state = StateConnected
		pr.queue = nil
	}
}

// CandidateCount reports how many direct candidates peer had at cycle
// start. Zero means the peer is unreachable without a relay.
func (e *Engine) CandidateCount(peer proto.PeerID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pr, ok := e.remaining[peer]; ok {
		return pr.total
	}
	return 0
}

// State reports peer's progress in the current cycle.
func (e *Engine) State(peer proto.PeerID) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pr, ok := e.remaining[peer]; ok {
		return pr.state
	}
	return StateUnattempted
}

// DirectConnected lists peers that connected through a probed endpoint
// this cycle, as opposed to being marked connected from outside.
func (e *Engine) DirectConnected() []proto.PeerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []proto.PeerID
	for id, pr := range e.remaining {
		if pr.direct {
			out = append(out, id)
		}
	}
	return out
}

// Exhausted lists peers whose candidate queue ran dry without a connection.
func (e *Engine) Exhausted() []proto.PeerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []proto.PeerID
	for id, pr := range e.remaining {
		if pr.state == StateExhausted {
			out = append(out, id)
		}
	}
	return out
}

// Remaining counts peers still being worked on.
func (e *Engine) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, pr := range e.remaining {
		if pr.state != StateConnected {
			n++
		}
	}
	return n
}

// IsFinished reports whether every peer in the cycle is connected or
// exhausted.
func (e *Engine) IsFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pr := range e.remaining {
		if pr.state == StateUnattempted || pr.state == StateProbing {
			return false
		}
	}
	return true
}

// StepInterval exposes the configured pause between rounds for callers
// driving the loop.
func (e *Engine) StepInterval() time.Duration { return e.cfg.StepInterval }

// EngineStats are cumulative probe counters across all cycles.
type EngineStats struct {
	Probes   uint64
	Failures uint64
}

// Stats reports cumulative probe counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{Probes: e.probes, Failures: e.failures}
}
