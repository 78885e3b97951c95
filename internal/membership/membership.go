// Package membership exposes the peer roster the connectivity engine works
// from. Roster management itself lives elsewhere; this package only defines
// the records and the diff stream the engine consumes.
package membership

import (
	"net/netip"
	"sync"

	"github.com/meshpath/meshpath/pkg/proto"
)

// Peer is one entry in the roster.
type Peer struct {
	PublicKey  proto.PeerID
	TunnelAddr netip.Addr
	Endpoints  []netip.AddrPort // advertised candidate endpoints
	Observed   netip.AddrPort   // reflexive endpoint seen by the roster server
	Persistent bool             // keep trying even when idle
}

// Op describes a roster change.
type Op int

const (
	OpAdded Op = iota
	OpUpdated
	OpRemoved
)

func (o Op) String() string {
	switch o {
	case OpAdded:
		return "added"
	case OpUpdated:
		return "updated"
	case OpRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Diff is one roster change event.
type Diff struct {
	Op   Op
	Peer Peer
}

// Source provides the current roster and a change stream.
type Source interface {
	// Peers returns a snapshot of the current roster.
	Peers() []Peer
	// Changes returns a channel of roster diffs. The channel is closed
	// when the source shuts down.
	Changes() <-chan Diff
}

// MemorySource is an in-process Source fed by Apply calls. It backs tests
// and embedders that manage the roster themselves.
type MemorySource struct {
	mu    sync.Mutex
	peers map[proto.PeerID]Peer
	subs  []chan Diff
}

func NewMemorySource() *MemorySource {
	return &MemorySource{peers: make(map[proto.PeerID]Peer)}
}

// Apply updates the roster and fans the diff out to subscribers.
func (s *MemorySource) Apply(d Diff) {
	s.mu.Lock()
	switch d.Op {
	case OpRemoved:
		delete(s.peers, d.Peer.PublicKey)
	default:
		s.peers[d.Peer.PublicKey] = d.Peer
	}
	subs := make([]chan Diff, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- d:
		default: // slow subscriber, drop rather than block the roster
		}
	}
}

func (s *MemorySource) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *MemorySource) Changes() <-chan Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Diff, 16)
	s.subs = append(s.subs, ch)
	return ch
}

// Lookup returns the roster entry for a peer.
func (s *MemorySource) Lookup(id proto.PeerID) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}
