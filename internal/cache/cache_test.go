package cache

import (
	"crypto/ed25519"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpath/meshpath/pkg/proto"
)

func testPeerID(t *testing.T) proto.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id, err := proto.PeerIDFromKey(pub)
	require.NoError(t, err)
	return id
}

func ap(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestRecordSuccessOrdering(t *testing.T) {
	c := New(Config{})
	peer := testPeerID(t)

	good := ap("203.0.113.10:51820")
	better := ap("203.0.113.11:51820")

	c.RecordSuccess(peer, good, 20*time.Millisecond)
	c.RecordSuccess(peer, better, 15*time.Millisecond)
	c.RecordSuccess(peer, better, 15*time.Millisecond)

	best := c.BestEndpoints(peer)
	require.Len(t, best, 2)
	assert.Equal(t, better, best[0], "more successes sorts first")
	assert.Equal(t, good, best[1])
}

func TestRecordSuccessIdempotent(t *testing.T) {
	c := New(Config{})
	peer := testPeerID(t)
	ep := ap("203.0.113.10:51820")

	for i := 0; i < 20; i++ {
		c.RecordSuccess(peer, ep, 10*time.Millisecond)
	}

	e, ok := c.Entry(peer, ep)
	require.True(t, ok)
	assert.Equal(t, 20, e.SuccessCount)
	assert.Zero(t, e.ConsecutiveFailures)
	assert.InDelta(t, 1.0, e.Quality, 0.01, "quality converges to 1")
	assert.False(t, c.ShouldAttemptRelay(peer), "healthy peer never escalates")
}

func TestEntryCapKeepsBest(t *testing.T) {
	c := New(Config{MaxEntriesPerPeer: 3})
	peer := testPeerID(t)

	// Four endpoints with distinct success counts; the weakest must go.
	for i, counts := range []int{5, 1, 4, 3} {
		ep := netip.AddrPortFrom(netip.AddrFrom4([4]byte{203, 0, 113, byte(10 + i)}), 51820)
		for j := 0; j < counts; j++ {
			c.RecordSuccess(peer, ep, 10*time.Millisecond)
		}
	}

	best := c.BestEndpoints(peer)
	require.Len(t, best, 3)
	_, ok := c.Entry(peer, ap("203.0.113.11:51820"))
	assert.False(t, ok, "single-success endpoint evicted by cap")
}

func TestEvictionAfterConsecutiveFailures(t *testing.T) {
	c := New(Config{EvictAfterFailures: 5})
	peer := testPeerID(t)
	ep := ap("203.0.113.10:51820")

	c.RecordSuccess(peer, ep, 10*time.Millisecond)
	for i := 0; i < 4; i++ {
		c.RecordFailure(peer, ep)
		_, ok := c.Entry(peer, ep)
		require.True(t, ok, "still cached after %d failures", i+1)
	}
	c.RecordFailure(peer, ep)
	_, ok := c.Entry(peer, ep)
	assert.False(t, ok, "evicted on the fifth consecutive failure")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	c := New(Config{EvictAfterFailures: 5})
	peer := testPeerID(t)
	ep := ap("203.0.113.10:51820")

	for i := 0; i < 4; i++ {
		c.RecordFailure(peer, ep)
	}
	c.RecordSuccess(peer, ep, 10*time.Millisecond)
	for i := 0; i < 4; i++ {
		c.RecordFailure(peer, ep)
	}
	_, ok := c.Entry(peer, ep)
	assert.True(t, ok, "streak restarted after the success")
}

func TestShouldAttemptRelayAfterMinAttempts(t *testing.T) {
	c := New(Config{MinDirectAttempts: 3})
	peer := testPeerID(t)
	ep := ap("203.0.113.10:51820")

	c.RecordFailure(peer, ep)
	assert.False(t, c.ShouldAttemptRelay(peer))
	c.RecordFailure(peer, ep)
	assert.False(t, c.ShouldAttemptRelay(peer))
	c.RecordFailure(peer, ep)
	assert.True(t, c.ShouldAttemptRelay(peer), "three attempts, all endpoints failing")

	// Monotonic until something works: more failures never flip it back.
	c.RecordFailure(peer, ap("203.0.113.11:51820"))
	assert.True(t, c.ShouldAttemptRelay(peer))

	c.RecordSuccess(peer, ep, 10*time.Millisecond)
	assert.False(t, c.ShouldAttemptRelay(peer), "direct success resets escalation")
}

func TestShouldAttemptRelayFailureBurst(t *testing.T) {
	mock := clock.NewMock()
	c := NewWithClock(Config{FailureWindow: 30 * time.Minute, FailureThreshold: 10, EvictAfterFailures: 100}, mock)
	peer := testPeerID(t)
	working := ap("203.0.113.10:51820")
	flaky := ap("203.0.113.11:51820")

	// One healthy endpoint keeps the all-failing trigger off.
	c.RecordSuccess(peer, working, 10*time.Millisecond)

	for i := 0; i < 11; i++ {
		c.RecordFailure(peer, flaky)
		mock.Add(time.Minute)
	}
	assert.True(t, c.ShouldAttemptRelay(peer), "burst of failures in window escalates")

	// Outside the window the burst no longer counts.
	mock.Add(31 * time.Minute)
	assert.False(t, c.ShouldAttemptRelay(peer))
}

func TestUnknownPeerNeverEscalates(t *testing.T) {
	c := New(Config{})
	assert.False(t, c.ShouldAttemptRelay(testPeerID(t)))
}

func TestRelayCandidatesOrdering(t *testing.T) {
	c := New(Config{})
	peer := testPeerID(t)
	reliable := testPeerID(t)
	flaky := testPeerID(t)

	c.RecordRelaySuccess(peer, reliable)
	c.RecordRelaySuccess(peer, reliable)
	c.RecordRelaySuccess(peer, flaky)
	c.RecordRelayFailure(peer, flaky)

	candidates := c.RelayCandidates(peer)
	require.Len(t, candidates, 2)
	assert.Equal(t, reliable, candidates[0].RelayID)
	assert.Equal(t, 1.0, candidates[0].Reliability())
	assert.Equal(t, 0.5, candidates[1].Reliability())
}

func TestPruneAgesOutEntries(t *testing.T) {
	mock := clock.NewMock()
	c := NewWithClock(Config{MaxAge: 7 * 24 * time.Hour}, mock)
	peer := testPeerID(t)
	old := ap("203.0.113.10:51820")
	fresh := ap("203.0.113.11:51820")

	c.RecordSuccess(peer, old, 10*time.Millisecond)
	mock.Add(8 * 24 * time.Hour)
	c.RecordSuccess(peer, fresh, 10*time.Millisecond)

	removed := c.Prune()
	assert.Equal(t, 1, removed)
	_, ok := c.Entry(peer, old)
	assert.False(t, ok)
	_, ok = c.Entry(peer, fresh)
	assert.True(t, ok)
}

func TestPruneDropsEmptyPeers(t *testing.T) {
	mock := clock.NewMock()
	c := NewWithClock(Config{MaxAge: time.Hour}, mock)
	peer := testPeerID(t)

	c.RecordSuccess(peer, ap("203.0.113.10:51820"), time.Millisecond)
	require.Equal(t, 1, c.Len())

	mock.Add(2 * time.Hour)
	c.Prune()
	assert.Zero(t, c.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := New(Config{Path: path})
	peer := testPeerID(t)
	relay := testPeerID(t)
	ep := ap("203.0.113.10:51820")

	c.RecordSuccess(peer, ep, 12*time.Millisecond)
	c.RecordSuccess(peer, ep, 12*time.Millisecond)
	c.RecordRelaySuccess(peer, relay)
	require.NoError(t, c.Save())

	restored := New(Config{Path: path})
	e, ok := restored.Entry(peer, ep)
	require.True(t, ok)
	assert.Equal(t, 2, e.SuccessCount)

	candidates := restored.RelayCandidates(peer)
	require.Len(t, candidates, 1)
	assert.Equal(t, relay, candidates[0].RelayID)
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	c := New(Config{Path: path})
	assert.Zero(t, c.Len())
}
