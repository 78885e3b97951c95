package proto

import (
	"crypto/ed25519"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (PeerID, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id, err := PeerIDFromKey(pub)
	require.NoError(t, err)
	return id, priv
}

func TestPacketRoundTrip(t *testing.T) {
	dest, _ := testKey(t)
	h := NewRelayHeader(dest, 42)
	payload := []byte("opaque tunnel bytes")

	buf, err := EncodePacket(h, payload)
	require.NoError(t, err)
	assert.Len(t, buf, 1+HeaderSize+len(payload))

	got, gotPayload, err := DecodePacket(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, payload, gotPayload)
}

func TestPacketPayloadLimit(t *testing.T) {
	dest, _ := testKey(t)
	_, err := EncodePacket(NewRelayHeader(dest, 1), make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = EncodePacket(NewRelayHeader(dest, 1), make([]byte, MaxPayloadSize))
	assert.NoError(t, err)
}

func TestDecodePacketTruncated(t *testing.T) {
	dest, _ := testKey(t)
	buf, err := EncodePacket(NewRelayHeader(dest, 7), []byte("payload"))
	require.NoError(t, err)

	for _, n := range []int{0, 1, HeaderSize, HeaderSize - 5} {
		_, _, err := DecodePacket(buf[:n])
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr, "truncated to %d bytes", n)
	}
}

func TestHeaderReplayWindow(t *testing.T) {
	dest, _ := testKey(t)
	now := time.Now()

	tests := []struct {
		name  string
		stamp time.Time
		valid bool
	}{
		{"fresh", now, true},
		{"old but in window", now.Add(-MaxHeaderAge + time.Second), true},
		{"too old", now.Add(-MaxHeaderAge - time.Second), false},
		{"slight future skew", now.Add(MaxHeaderSkew - time.Second), true},
		{"too far in future", now.Add(MaxHeaderSkew + time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RelayHeader{DestPeer: dest, SessionID: 1, Timestamp: uint64(tt.stamp.Unix())}
			assert.Equal(t, tt.valid, h.Valid(now))
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	resp := &ConnectionResponse{
		RequestNonce: 99,
		Status:       StatusAccepted,
		SessionID:    1234,
		Timestamp:    time.Now().Unix(),
	}
	buf, err := EncodeMessage(resp)
	require.NoError(t, err)

	f, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, MsgConnectionResponse, f.Type)
	assert.Nil(t, f.Signature)

	m, err := f.Decode()
	require.NoError(t, err)
	assert.Equal(t, resp, m)
}

func TestSignedFrameRoundTrip(t *testing.T) {
	from, priv := testKey(t)
	to, _ := testKey(t)

	req := NewConnectionRequest(from, to)
	buf, err := EncodeSignedMessage(req, priv)
	require.NoError(t, err)

	f, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.NotNil(t, f.Signature)
	require.NoError(t, f.Verify(from.Key()))

	m, err := f.Decode()
	require.NoError(t, err)
	got, ok := m.(*ConnectionRequest)
	require.True(t, ok)
	assert.Equal(t, req, got)
}

func TestSignedFrameWrongKey(t *testing.T) {
	from, priv := testKey(t)
	to, _ := testKey(t)
	other, _ := testKey(t)

	buf, err := EncodeSignedMessage(NewConnectionRequest(from, to), priv)
	require.NoError(t, err)
	f, err := DecodeFrame(buf)
	require.NoError(t, err)

	assert.ErrorIs(t, f.Verify(other.Key()), ErrBadSignature)
}

func TestSignedFrameTamperedBody(t *testing.T) {
	from, priv := testKey(t)
	to, _ := testKey(t)

	buf, err := EncodeSignedMessage(NewConnectionRequest(from, to), priv)
	require.NoError(t, err)
	buf[frameHeaderSize+2] ^= 0xff

	f, err := DecodeFrame(buf)
	if err != nil {
		// Flipping a byte may break the JSON framing instead.
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr)
		return
	}
	assert.ErrorIs(t, f.Verify(from.Key()), ErrBadSignature)
}

func TestEncodeSignedMismatch(t *testing.T) {
	from, priv := testKey(t)
	to, _ := testKey(t)

	_, err := EncodeMessage(NewConnectionRequest(from, to))
	assert.Error(t, err, "signed types must not be framed unsigned")

	_, err = EncodeSignedMessage(&HeartbeatAck{SessionID: 1}, priv)
	assert.Error(t, err, "unsigned types must not be framed signed")
}

func TestDecodeFrameUnknownType(t *testing.T) {
	buf := []byte{0x7f, ProtocolVersion, 0, 0}
	_, err := DecodeFrame(buf)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestDecodeFrameNewerVersion(t *testing.T) {
	buf, err := EncodeMessage(&HeartbeatAck{SessionID: 5, Sequence: 1})
	require.NoError(t, err)
	buf[1] = ProtocolVersion + 1

	_, err = DecodeFrame(buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestConnectionRequestFreshness(t *testing.T) {
	from, _ := testKey(t)
	to, _ := testKey(t)
	now := time.Now()

	req := NewConnectionRequest(from, to)
	assert.True(t, req.Valid(now))

	req.Timestamp = now.Add(-MaxRequestAge - time.Second).Unix()
	assert.False(t, req.Valid(now))
}

func TestPeerIDText(t *testing.T) {
	id, _ := testKey(t)
	parsed, err := ParsePeerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParsePeerID("zz")
	assert.Error(t, err)
	_, err = ParsePeerID("abcd")
	assert.Error(t, err)
}

func TestClassifyAddr(t *testing.T) {
	tests := []struct {
		addr string
		want AddrClass
	}{
		{"8.8.8.8", AddrPublic},
		{"2001:db8::1", AddrPublic},
		{"10.0.0.1", AddrPrivate},
		{"172.16.0.1", AddrPrivate},
		{"192.168.1.1", AddrPrivate},
		{"169.254.0.5", AddrPrivate},
		{"100.64.0.1", AddrCGNAT},
		{"100.127.255.255", AddrCGNAT},
		{"100.128.0.1", AddrPublic}, // just past 100.64.0.0/10
		{"127.0.0.1", AddrLoopback},
		{"::1", AddrLoopback},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyAddr(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestRelayNodeInfoAvailability(t *testing.T) {
	id, _ := testKey(t)
	now := time.Now()
	ep := netip.MustParseAddrPort("198.51.100.7:4800")

	info := RelayNodeInfo{
		RelayID:        id,
		Endpoints:      []netip.AddrPort{ep},
		MaxSessions:    10,
		ActiveSessions: 3,
		LastSeen:       now,
	}
	assert.True(t, info.Available(now, time.Hour))

	info.ActiveSessions = 10
	assert.False(t, info.Available(now, time.Hour), "full relay is unavailable")

	info.ActiveSessions = 3
	info.LastSeen = now.Add(-2 * time.Hour)
	assert.True(t, info.Stale(now, time.Hour))
	assert.False(t, info.Available(now, time.Hour), "stale relay is unavailable")

	info.LastSeen = now
	info.Endpoints = nil
	assert.False(t, info.Available(now, time.Hour), "relay without endpoints is unreachable")
}

func TestCapabilities(t *testing.T) {
	c := CapIPv4 | CapTCPFallback
	assert.True(t, c.Has(CapIPv4))
	assert.True(t, c.Has(CapIPv4|CapTCPFallback))
	assert.False(t, c.Has(CapIPv6))
	assert.Equal(t, "ipv4|tcp_fallback", c.String())
	assert.Equal(t, "none", Capabilities(0).String())
}
