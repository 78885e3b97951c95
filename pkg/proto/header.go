package proto

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// HeaderSize is the fixed byte length of an encoded RelayHeader.
	HeaderSize = PeerIDSize + 8 + 8 + 1

	// MaxPayloadSize bounds the opaque payload of a single relayed packet.
	MaxPayloadSize = 1500

	// MaxHeaderAge is how far in the past a header timestamp may lie
	// before the packet is rejected as a replay.
	MaxHeaderAge = 30 * time.Second

	// MaxHeaderSkew is how far in the future a header timestamp may lie,
	// allowing for clock drift between peers.
	MaxHeaderSkew = 5 * time.Second
)

// Header flag bits.
const (
	// FlagFallback marks packets carried over the TCP fallback transport.
	FlagFallback byte = 1 << iota
)

// RelayHeader prefixes every relayed data packet. The relay forwards on
// DestPeer and SessionID alone and never inspects the payload that follows.
type RelayHeader struct {
	DestPeer  PeerID
	SessionID uint64
	Timestamp uint64 // unix seconds at send time
	Flags     byte
}

// NewRelayHeader builds a header stamped with the current time.
func NewRelayHeader(dest PeerID, session uint64) RelayHeader {
	return RelayHeader{
		DestPeer:  dest,
		SessionID: session,
		Timestamp: uint64(time.Now().Unix()),
	}
}

// Valid reports whether the header timestamp falls inside the replay
// window relative to now.
func (h *RelayHeader) Valid(now time.Time) bool {
	ts := time.Unix(int64(h.Timestamp), 0)
	if now.Sub(ts) > MaxHeaderAge {
		return false
	}
	if ts.Sub(now) > MaxHeaderSkew {
		return false
	}
	return true
}

func (h *RelayHeader) marshal(b []byte) {
	copy(b[:PeerIDSize], h.DestPeer[:])
	binary.BigEndian.PutUint64(b[PeerIDSize:], h.SessionID)
	binary.BigEndian.PutUint64(b[PeerIDSize+8:], h.Timestamp)
	b[PeerIDSize+16] = h.Flags
}

func unmarshalHeader(b []byte) (RelayHeader, error) {
	var h RelayHeader
	if len(b) < HeaderSize {
		return h, protoErr("header", fmt.Errorf("%w: %d bytes, need %d", ErrTruncated, len(b), HeaderSize))
	}
	copy(h.DestPeer[:], b[:PeerIDSize])
	h.SessionID = binary.BigEndian.Uint64(b[PeerIDSize:])
	h.Timestamp = binary.BigEndian.Uint64(b[PeerIDSize+8:])
	h.Flags = b[PeerIDSize+16]
	return h, nil
}

// EncodePacket frames a relayed data packet: the message type byte, the
// fixed header, then the payload verbatim.
func EncodePacket(h RelayHeader, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, 1+HeaderSize+len(payload))
	buf[0] = byte(MsgPacket)
	h.marshal(buf[1:])
	copy(buf[1+HeaderSize:], payload)
	return buf, nil
}

// DecodePacket parses a datagram previously framed by EncodePacket. The
// returned payload aliases b.
func DecodePacket(b []byte) (RelayHeader, []byte, error) {
	if len(b) < 1+HeaderSize {
		return RelayHeader{}, nil, protoErr("packet", fmt.Errorf("%w: %d bytes", ErrTruncated, len(b)))
	}
	if MsgType(b[0]) != MsgPacket {
		return RelayHeader{}, nil, protoErr("packet", fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, b[0]))
	}
	h, err := unmarshalHeader(b[1:])
	if err != nil {
		return RelayHeader{}, nil, err
	}
	payload := b[1+HeaderSize:]
	if len(payload) > MaxPayloadSize {
		return RelayHeader{}, nil, protoErr("packet", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload)))
	}
	return h, payload, nil
}
