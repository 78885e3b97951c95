package relay

import (
	"crypto/ed25519"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpath/meshpath/internal/cache"
	"github.com/meshpath/meshpath/pkg/proto"
)

func newTestIdentity(t *testing.T) (proto.PeerID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id, err := proto.PeerIDFromKey(pub)
	require.NoError(t, err)
	return id, priv
}

func testRelayInfo(t *testing.T, seen time.Time) proto.RelayNodeInfo {
	t.Helper()
	id, _ := newTestIdentity(t)
	return proto.RelayNodeInfo{
		RelayID:      id,
		Endpoints:    []netip.AddrPort{netip.MustParseAddrPort("203.0.113.1:4800")},
		Capabilities: proto.CapIPv4,
		MaxSessions:  100,
		LastSeen:     seen,
	}
}

func TestSelectRelaysPrefersLowLoad(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	light := testRelayInfo(t, clk.Now())
	light.Load = 10
	heavy := testRelayInfo(t, clk.Now())
	heavy.Load = 90
	r.Upsert(heavy)
	r.Upsert(light)

	peer, _ := newTestIdentity(t)
	got := r.SelectRelays(peer, nil, 0)
	require.Len(t, got, 2)
	assert.Equal(t, light.RelayID, got[0].RelayID)
	assert.Equal(t, heavy.RelayID, got[1].RelayID)
}

func TestSelectRelaysRegionAffinityBeatsModerateLoad(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{Region: "eu-west"}, nil, clk)

	local := testRelayInfo(t, clk.Now())
	local.Region = "eu-west"
	local.Load = 50
	remote := testRelayInfo(t, clk.Now())
	remote.Region = "us-east"
	remote.Load = 20
	r.Upsert(local)
	r.Upsert(remote)

	peer, _ := newTestIdentity(t)
	got := r.SelectRelays(peer, nil, 0)
	require.Len(t, got, 2)
	assert.Equal(t, local.RelayID, got[0].RelayID, "region match should outweigh a 30 point load difference")
}

func TestSelectRelaysDeterministicTieBreak(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	a := testRelayInfo(t, clk.Now())
	b := testRelayInfo(t, clk.Now())
	r.Upsert(a)
	r.Upsert(b)

	peer, _ := newTestIdentity(t)
	first := r.SelectRelays(peer, nil, 0)
	require.Len(t, first, 2)
	assert.Less(t, first[0].RelayID.String(), first[1].RelayID.String())
	for i := 0; i < 10; i++ {
		again := r.SelectRelays(peer, nil, 0)
		assert.Equal(t, first, again)
	}
}

func TestSelectRelaysLatencyBreaksScoreTies(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	near := testRelayInfo(t, clk.Now())
	far := testRelayInfo(t, clk.Now())
	unmeasured := testRelayInfo(t, clk.Now())
	r.Upsert(near)
	r.Upsert(far)
	r.Upsert(unmeasured)
	r.ObserveLatency(near.RelayID, 20*time.Millisecond)
	r.ObserveLatency(far.RelayID, 80*time.Millisecond)

	peer, _ := newTestIdentity(t)
	got := r.SelectRelays(peer, nil, 0)
	require.Len(t, got, 3)
	assert.Equal(t, near.RelayID, got[0].RelayID)
	assert.Equal(t, far.RelayID, got[1].RelayID)
	assert.Equal(t, unmeasured.RelayID, got[2].RelayID, "a relay never measured sorts after measured ones")
}

func TestObserveLatencySmoothsAndSurvivesRefresh(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	info := testRelayInfo(t, clk.Now())
	r.Upsert(info)

	r.ObserveLatency(info.RelayID, 100*time.Millisecond)
	got, ok := r.Lookup(info.RelayID)
	require.True(t, ok)
	assert.Equal(t, 100, got.LatencyMs)

	r.ObserveLatency(info.RelayID, 50*time.Millisecond)
	got, _ = r.Lookup(info.RelayID)
	assert.Equal(t, 75, got.LatencyMs)

	// A refreshed descriptor carries no latency of its own; the local
	// measurement must not be wiped by the merge.
	refreshed := info
	refreshed.Load = 40
	refreshed.LastSeen = info.LastSeen.Add(time.Minute)
	r.Upsert(refreshed)
	got, _ = r.Lookup(info.RelayID)
	assert.Equal(t, 40, got.Load)
	assert.Equal(t, 75, got.LatencyMs)

	// Sub-millisecond round trips still register as measured.
	fast := testRelayInfo(t, clk.Now())
	r.Upsert(fast)
	r.ObserveLatency(fast.RelayID, 200*time.Microsecond)
	got, _ = r.Lookup(fast.RelayID)
	assert.Equal(t, 1, got.LatencyMs)
}

func TestSelectRelaysSkipsStaleAndFull(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{MaxRelayAge: time.Hour}, nil, clk)

	fresh := testRelayInfo(t, clk.Now())
	stale := testRelayInfo(t, clk.Now().Add(-2*time.Hour))
	full := testRelayInfo(t, clk.Now())
	full.MaxSessions = 10
	full.ActiveSessions = 10
	r.Upsert(fresh)
	r.Upsert(stale)
	r.Upsert(full)

	peer, _ := newTestIdentity(t)
	got := r.SelectRelays(peer, nil, 0)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.RelayID, got[0].RelayID)
}

func TestSelectRelaysCapabilityFilter(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	udpOnly := testRelayInfo(t, clk.Now())
	fallback := testRelayInfo(t, clk.Now())
	fallback.Capabilities |= proto.CapTCPFallback
	fallback.WebsocketURL = "ws://203.0.113.2:8080/relay"
	r.Upsert(udpOnly)
	r.Upsert(fallback)

	peer, _ := newTestIdentity(t)
	got := r.SelectRelays(peer, nil, proto.CapTCPFallback)
	require.Len(t, got, 1)
	assert.Equal(t, fallback.RelayID, got[0].RelayID)
}

func TestSelectRelaysExclude(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	a := testRelayInfo(t, clk.Now())
	b := testRelayInfo(t, clk.Now())
	r.Upsert(a)
	r.Upsert(b)

	peer, _ := newTestIdentity(t)
	got := r.SelectRelays(peer, map[proto.PeerID]bool{a.RelayID: true}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, b.RelayID, got[0].RelayID)
}

func TestSelectRelaysPriorSuccessJumpsQueue(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	c := cache.NewWithClock(cache.Config{}, clk)
	r := NewRegistryWithClock(RegistryConfig{}, c, clk)

	best := testRelayInfo(t, clk.Now())
	best.Load = 5
	proven := testRelayInfo(t, clk.Now())
	proven.Load = 70
	r.Upsert(best)
	r.Upsert(proven)

	peer, _ := newTestIdentity(t)
	c.RecordRelaySuccess(peer, proven.RelayID)

	got := r.SelectRelays(peer, nil, 0)
	require.Len(t, got, 2)
	assert.Equal(t, proven.RelayID, got[0].RelayID, "relay that carried this peer before goes first")
	assert.Equal(t, best.RelayID, got[1].RelayID)

	// A different peer with no history gets the score ordering.
	other, _ := newTestIdentity(t)
	got = r.SelectRelays(other, nil, 0)
	require.Len(t, got, 2)
	assert.Equal(t, best.RelayID, got[0].RelayID)
}

func TestSelectRelaysReliabilityPenalty(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	flaky := testRelayInfo(t, clk.Now())
	steady := testRelayInfo(t, clk.Now())
	r.Upsert(flaky)
	r.Upsert(steady)
	for i := 0; i < 4; i++ {
		r.ReportFailure(flaky.RelayID)
		r.ReportSuccess(steady.RelayID)
	}

	peer, _ := newTestIdentity(t)
	got := r.SelectRelays(peer, nil, 0)
	require.Len(t, got, 2)
	assert.Equal(t, steady.RelayID, got[0].RelayID)
}

func TestUpsertOlderDescriptorIgnored(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	info := testRelayInfo(t, clk.Now())
	info.Load = 30
	r.Upsert(info)

	older := info
	older.Load = 90
	older.LastSeen = info.LastSeen.Add(-time.Minute)
	r.Upsert(older)

	got, ok := r.Lookup(info.RelayID)
	require.True(t, ok)
	assert.Equal(t, 30, got.Load)
}

func TestHandleAnnouncement(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{}, nil, clk)

	relayID, relayKey := newTestIdentity(t)
	info := proto.RelayNodeInfo{
		RelayID:      relayID,
		Endpoints:    []netip.AddrPort{netip.MustParseAddrPort("203.0.113.1:4800")},
		Capabilities: proto.CapIPv4,
		Load:         25,
		LastSeen:     clk.Now(),
	}
	ann := &proto.RelayAnnouncement{Relay: info, Timestamp: clk.Now().Unix()}
	buf, err := proto.EncodeSignedMessage(ann, relayKey)
	require.NoError(t, err)
	f, err := proto.DecodeFrame(buf)
	require.NoError(t, err)

	require.NoError(t, r.HandleAnnouncement(f))
	got, ok := r.Lookup(relayID)
	require.True(t, ok)
	assert.Equal(t, 25, got.Load)

	// An announcement signed by anyone but the relay itself is discarded.
	_, impostorKey := newTestIdentity(t)
	forged, err := proto.EncodeSignedMessage(ann, impostorKey)
	require.NoError(t, err)
	ff, err := proto.DecodeFrame(forged)
	require.NoError(t, err)
	assert.Error(t, r.HandleAnnouncement(ff))
}

func TestPruneDropsAgedDescriptors(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	r := NewRegistryWithClock(RegistryConfig{MaxRelayAge: time.Hour}, nil, clk)

	r.Upsert(testRelayInfo(t, clk.Now()))
	r.Upsert(testRelayInfo(t, clk.Now()))
	require.Equal(t, 2, r.Len())

	clk.Add(30 * time.Minute)
	assert.Equal(t, 0, r.Prune())

	clk.Add(31 * time.Minute)
	assert.Equal(t, 2, r.Prune())
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	path := filepath.Join(t.TempDir(), "relays.json")

	r := NewRegistryWithClock(RegistryConfig{Path: path}, nil, clk)
	a := testRelayInfo(t, clk.Now())
	a.Region = "eu-west"
	b := testRelayInfo(t, clk.Now())
	r.Upsert(a)
	r.Upsert(b)
	require.NoError(t, r.Save())

	fresh := NewRegistryWithClock(RegistryConfig{Path: path}, nil, clk)
	assert.Equal(t, 2, fresh.Len())
	got, ok := fresh.Lookup(a.RelayID)
	require.True(t, ok)
	assert.Equal(t, "eu-west", got.Region)
	assert.Equal(t, a.Endpoints, got.Endpoints)
}

func TestBootstrapSeeding(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	id, _ := newTestIdentity(t)

	r := NewRegistryWithClock(RegistryConfig{
		Bootstrap: []BootstrapRelay{
			{RelayID: id.String(), Endpoint: "203.0.113.9:4800", WebsocketURL: "ws://203.0.113.9:8080/relay"},
			{RelayID: "not-hex", Endpoint: "203.0.113.10:4800"},
		},
	}, nil, clk)

	require.Equal(t, 1, r.Len())
	got, ok := r.Lookup(id)
	require.True(t, ok)
	assert.True(t, got.Capabilities.Has(proto.CapTCPFallback))
	assert.Equal(t, "ws://203.0.113.9:8080/relay", got.WebsocketURL)
}
