// Package device is the seam between connection establishment and the
// tunnel data plane. The engine decides where a peer is reachable; the
// device moves packets there.
package device

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/meshpath/meshpath/pkg/proto"
)

// PathKind distinguishes how a peer is reached.
type PathKind int

const (
	PathDirect PathKind = iota
	PathRelayed
)

func (k PathKind) String() string {
	switch k {
	case PathDirect:
		return "direct"
	case PathRelayed:
		return "relayed"
	default:
		return "unknown"
	}
}

// Path is the current route to a peer: either a direct endpoint or a relay
// session.
type Path struct {
	Kind      PathKind
	Endpoint  netip.AddrPort // direct only
	RelayID   proto.PeerID   // relayed only
	SessionID uint64         // relayed only
}

// Direct builds a direct path.
func Direct(ep netip.AddrPort) Path {
	return Path{Kind: PathDirect, Endpoint: ep}
}

// Relayed builds a relayed path.
func Relayed(relay proto.PeerID, session uint64) Path {
	return Path{Kind: PathRelayed, RelayID: relay, SessionID: session}
}

func (p Path) String() string {
	if p.Kind == PathDirect {
		return fmt.Sprintf("direct %s", p.Endpoint)
	}
	return fmt.Sprintf("relayed via %s session %d", p.RelayID.Short(), p.SessionID)
}

// Device is implemented by the tunnel data plane.
type Device interface {
	// SetPeerEndpoint points the data plane for peer at path.
	SetPeerEndpoint(ctx context.Context, peer proto.PeerID, path Path) error
	// ClearPeerEndpoint removes any route to peer.
	ClearPeerEndpoint(ctx context.Context, peer proto.PeerID) error
	// LastActivity reports when traffic was last seen from peer, used as
	// the liveness signal for established paths.
	LastActivity(peer proto.PeerID) (time.Time, bool)
}
