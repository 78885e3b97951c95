package traverse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshpath/meshpath/internal/cache"
	"github.com/meshpath/meshpath/internal/device"
	"github.com/meshpath/meshpath/pkg/proto"
)

// RelayConnector is the slice of the relay client the escalator uses.
type RelayConnector interface {
	// Connect establishes a relayed path to peer and installs it on the
	// device. The returned path identifies the relay session.
	Connect(ctx context.Context, peer proto.PeerID) (device.Path, error)
	// Release closes the relay session to peer, if any, leaving the
	// installed device path alone.
	Release(ctx context.Context, peer proto.PeerID) error
	// Relayed reports whether a live relay session to peer exists.
	Relayed(peer proto.PeerID) bool
}

// Escalator composes the traversal engine with relay fallback: peers whose
// direct candidates are spent and whose failure history crosses the cache
// policy are moved onto a relay. Already-relayed peers keep being probed
// directly, and a direct success releases their relay session.
type Escalator struct {
	engine *Engine
	cache  *cache.Cache
	relays RelayConnector

	mu          sync.Mutex
	escalations uint64
	connectOKs  uint64
	connectErrs uint64
	upgrades    uint64
}

// NewEscalator wires the engine to a relay connector.
func NewEscalator(engine *Engine, c *cache.Cache, relays RelayConnector) *Escalator {
	return &Escalator{
		engine: engine,
		cache:  c,
		relays: relays,
	}
}

// Step runs one traversal round, upgrades relayed peers that completed a
// direct handshake, then attempts relay escalation for every exhausted
// peer the cache policy approves.
func (s *Escalator) Step(ctx context.Context) error {
	if err := s.engine.Step(ctx); err != nil {
		return err
	}

	for _, peer := range s.engine.DirectConnected() {
		if !s.relays.Relayed(peer) {
			continue
		}
		if err := s.relays.Release(ctx, peer); err != nil {
			log.Warn().Str("peer", peer.Short()).Err(err).Msg("relay session release failed")
			continue
		}
		s.mu.Lock()
		s.upgrades++
		s.mu.Unlock()
		log.Info().Str("peer", peer.Short()).Msg("relayed peer upgraded to direct path")
	}

	for _, peer := range s.engine.Exhausted() {
		if s.relays.Relayed(peer) {
			continue // session already live, nothing to escalate
		}
		// Peers that never advertised a usable candidate can only be
		// reached through a relay; everyone else must earn escalation.
		if s.engine.CandidateCount(peer) > 0 && !s.cache.ShouldAttemptRelay(peer) {
			continue
		}

		s.mu.Lock()
		s.escalations++
		s.mu.Unlock()
		path, err := s.relays.Connect(ctx, peer)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.mu.Lock()
			s.connectErrs++
			s.mu.Unlock()
			log.Warn().Str("peer", peer.Short()).Err(err).Msg("relay escalation failed")
			continue
		}
		s.mu.Lock()
		s.connectOKs++
		s.mu.Unlock()
		s.engine.MarkConnected(peer)
		log.Info().Str("peer", peer.Short()).Stringer("path", path).
			Msg("peer connected via relay")
	}
	return nil
}

// Run drives Step at the engine's interval until the cycle finishes or
// ctx is cancelled.
func (s *Escalator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.engine.StepInterval())
	defer ticker.Stop()
	for {
		if err := s.Step(ctx); err != nil {
			return err
		}
		if s.engine.IsFinished() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Relayed reports whether peer currently holds a relay session.
func (s *Escalator) Relayed(peer proto.PeerID) bool {
	return s.relays.Relayed(peer)
}

// EscalatorStats are cumulative relay escalation counters.
type EscalatorStats struct {
	Escalations uint64
	ConnectOKs  uint64
	ConnectErrs uint64
	Upgrades    uint64
}

// Stats reports cumulative escalation counters.
func (s *Escalator) Stats() EscalatorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EscalatorStats{
		Escalations: s.escalations,
		ConnectOKs:  s.connectOKs,
		ConnectErrs: s.connectErrs,
		Upgrades:    s.upgrades,
	}
}
