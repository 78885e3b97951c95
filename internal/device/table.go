package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshpath/meshpath/pkg/proto"
)

// Table is the in-memory Device used by the node daemon. It records the
// installed path per peer and the time traffic was last seen, and is read
// by the metrics collector and the CLI status output.
type Table struct {
	mu       sync.Mutex
	paths    map[proto.PeerID]Path
	activity map[proto.PeerID]time.Time
}

// NewTable returns an empty path table.
func NewTable() *Table {
	return &Table{
		paths:    make(map[proto.PeerID]Path),
		activity: make(map[proto.PeerID]time.Time),
	}
}

func (t *Table) SetPeerEndpoint(_ context.Context, peer proto.PeerID, path Path) error {
	t.mu.Lock()
	prev, had := t.paths[peer]
	t.paths[peer] = path
	t.mu.Unlock()
	if had && prev != path {
		log.Debug().Str("peer", peer.Short()).Stringer("from", prev).
			Stringer("to", path).Msg("peer path replaced")
	}
	return nil
}

func (t *Table) ClearPeerEndpoint(_ context.Context, peer proto.PeerID) error {
	t.mu.Lock()
	delete(t.paths, peer)
	delete(t.activity, peer)
	t.mu.Unlock()
	return nil
}

func (t *Table) LastActivity(peer proto.PeerID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.activity[peer]
	return at, ok
}

// Touch records traffic from peer at ts.
func (t *Table) Touch(peer proto.PeerID, ts time.Time) {
	t.mu.Lock()
	t.activity[peer] = ts
	t.mu.Unlock()
}

// Path returns the installed path for peer, if any.
func (t *Table) Path(peer proto.PeerID) (Path, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.paths[peer]
	return p, ok
}

// Paths returns a copy of every installed path.
func (t *Table) Paths() map[proto.PeerID]Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[proto.PeerID]Path, len(t.paths))
	for peer, p := range t.paths {
		out[peer] = p
	}
	return out
}

// Counts reports how many peers are reached directly and via relays.
func (t *Table) Counts() (direct, relayed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.paths {
		if p.Kind == PathDirect {
			direct++
		} else {
			relayed++
		}
	}
	return direct, relayed
}
