package proto

import (
	"net/netip"
	"strings"
	"time"
)

// Capabilities is a bitmask of optional relay features.
type Capabilities uint32

const (
	CapIPv4 Capabilities = 1 << iota
	CapIPv6
	CapTCPFallback
	CapHighBandwidth
	CapLowLatency
)

// Has reports whether all bits in want are set.
func (c Capabilities) Has(want Capabilities) bool { return c&want == want }

func (c Capabilities) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Capabilities
		name string
	}{
		{CapIPv4, "ipv4"},
		{CapIPv6, "ipv6"},
		{CapTCPFallback, "tcp_fallback"},
		{CapHighBandwidth, "high_bandwidth"},
		{CapLowLatency, "low_latency"},
	} {
		if c.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// RelayNodeInfo describes a relay node as advertised in announcements and
// discovery responses.
type RelayNodeInfo struct {
	RelayID        PeerID           `json:"relay_id"`
	Endpoints      []netip.AddrPort `json:"endpoints"`
	Region         string           `json:"region,omitempty"`
	Capabilities   Capabilities     `json:"capabilities"`
	Load           int              `json:"load"` // 0-100
	MaxSessions    int              `json:"max_sessions"`
	ActiveSessions int              `json:"active_sessions"`
	LatencyMs      int              `json:"latency_ms,omitempty"`
	WebsocketURL   string           `json:"websocket_url,omitempty"` // set when CapTCPFallback
	LastSeen       time.Time        `json:"last_seen"`
}

// Stale reports whether the descriptor is older than maxAge.
func (r *RelayNodeInfo) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.LastSeen) > maxAge
}

// Available reports whether the relay can take a new session: fresh,
// reachable, and below its session ceiling.
func (r *RelayNodeInfo) Available(now time.Time, maxAge time.Duration) bool {
	if r.Stale(now, maxAge) || len(r.Endpoints) == 0 {
		return false
	}
	return r.MaxSessions == 0 || r.ActiveSessions < r.MaxSessions
}
