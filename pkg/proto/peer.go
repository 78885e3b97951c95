// Package proto defines the relay wire protocol: the binary packet header,
// the framed control messages, and the relay node descriptors exchanged
// during discovery.
package proto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// PeerIDSize is the fixed length of a peer identifier on the wire.
const PeerIDSize = 32

// PeerID identifies a peer by its raw 32-byte ed25519 public key.
type PeerID [PeerIDSize]byte

// PeerIDFromKey derives the wire identifier from an ed25519 public key.
func PeerIDFromKey(pub ed25519.PublicKey) (PeerID, error) {
	var id PeerID
	if len(pub) != PeerIDSize {
		return id, fmt.Errorf("public key must be %d bytes, got %d", PeerIDSize, len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

// ParsePeerID parses the hex string form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse peer id: %w", err)
	}
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("parse peer id: want %d bytes, got %d", PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string { return hex.EncodeToString(id[:]) }

// Short returns an abbreviated form for log fields.
func (id PeerID) Short() string { return hex.EncodeToString(id[:4]) }

// IsZero reports whether the identifier is unset.
func (id PeerID) IsZero() bool { return id == PeerID{} }

// Key returns the identifier as an ed25519 public key.
func (id PeerID) Key() ed25519.PublicKey { return ed25519.PublicKey(id[:]) }

func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(text []byte) error {
	parsed, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
