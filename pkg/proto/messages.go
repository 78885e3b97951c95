package proto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the control-frame version this implementation speaks.
// Frames with a newer version are dropped, not rejected fatally, so old
// nodes coexist with new ones.
const ProtocolVersion = 1

// MsgType is the discriminant byte leading every datagram.
type MsgType byte

const (
	MsgPacket             MsgType = 0x01
	MsgConnectionRequest  MsgType = 0x02
	MsgConnectionResponse MsgType = 0x03
	MsgHeartbeat          MsgType = 0x04
	MsgHeartbeatAck       MsgType = 0x05
	MsgDiscoveryQuery     MsgType = 0x06
	MsgDiscoveryResponse  MsgType = 0x07
	MsgAnnouncement       MsgType = 0x08
)

func (t MsgType) String() string {
	switch t {
	case MsgPacket:
		return "packet"
	case MsgConnectionRequest:
		return "connection_request"
	case MsgConnectionResponse:
		return "connection_response"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgHeartbeatAck:
		return "heartbeat_ack"
	case MsgDiscoveryQuery:
		return "discovery_query"
	case MsgDiscoveryResponse:
		return "discovery_response"
	case MsgAnnouncement:
		return "announcement"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// signed reports whether frames of this type carry a trailing ed25519
// signature over the body bytes.
func (t MsgType) signed() bool {
	switch t {
	case MsgConnectionRequest, MsgHeartbeat, MsgAnnouncement:
		return true
	default:
		return false
	}
}

const (
	frameHeaderSize = 4 // type + version + body length (uint16)
	signatureSize   = ed25519.SignatureSize
)

// MaxRequestAge bounds how old a ConnectionRequest timestamp may be before
// a relay refuses to act on it.
const MaxRequestAge = 60 * time.Second

// Message is implemented by every control message that can be framed.
type Message interface {
	msgType() MsgType
}

// ConnectionRequest asks a relay to establish a session with ToPeer.
// It is signed by the initiator.
type ConnectionRequest struct {
	FromPeer  PeerID `json:"from_peer"`
	ToPeer    PeerID `json:"to_peer"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// NewConnectionRequest builds a request with a random nonce stamped now.
func NewConnectionRequest(from, to PeerID) *ConnectionRequest {
	return &ConnectionRequest{
		FromPeer:  from,
		ToPeer:    to,
		Nonce:     randUint64(),
		Timestamp: time.Now().Unix(),
	}
}

// Valid reports whether the request is fresh enough to act on.
func (r *ConnectionRequest) Valid(now time.Time) bool {
	ts := time.Unix(r.Timestamp, 0)
	return now.Sub(ts) <= MaxRequestAge && ts.Sub(now) <= MaxHeaderSkew
}

func (r *ConnectionRequest) msgType() MsgType { return MsgConnectionRequest }

// ConnectionStatus is the verdict carried in a ConnectionResponse.
type ConnectionStatus uint8

const (
	StatusAccepted ConnectionStatus = iota
	StatusRejected
	StatusTargetUnreachable
	StatusResourceLimit
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusTargetUnreachable:
		return "target_unreachable"
	case StatusResourceLimit:
		return "resource_limit"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ConnectionResponse answers a ConnectionRequest. RequestNonce echoes the
// request so initiators can match responses to outstanding attempts.
type ConnectionResponse struct {
	RequestNonce uint64           `json:"request_nonce"`
	Status       ConnectionStatus `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	SessionID    uint64           `json:"session_id,omitempty"`
	Timestamp    int64            `json:"timestamp"`
}

func (r *ConnectionResponse) msgType() MsgType { return MsgConnectionResponse }

// Heartbeat keeps a relay session alive, or registers presence when
// SessionID is zero. Signed by From.
type Heartbeat struct {
	From      PeerID `json:"from"`
	SessionID uint64 `json:"session_id"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func (h *Heartbeat) msgType() MsgType { return MsgHeartbeat }

// HeartbeatAck confirms a Heartbeat, echoing its sequence number.
type HeartbeatAck struct {
	SessionID uint64 `json:"session_id"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func (h *HeartbeatAck) msgType() MsgType { return MsgHeartbeatAck }

// DiscoveryQuery asks a relay for the relay nodes it knows about.
type DiscoveryQuery struct {
	Nonce        uint64       `json:"nonce"`
	Region       string       `json:"region,omitempty"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

func (q *DiscoveryQuery) msgType() MsgType { return MsgDiscoveryQuery }

// DiscoveryResponse answers a DiscoveryQuery.
type DiscoveryResponse struct {
	Nonce  uint64          `json:"nonce"`
	Relays []RelayNodeInfo `json:"relays"`
}

func (r *DiscoveryResponse) msgType() MsgType { return MsgDiscoveryResponse }

// RelayAnnouncement advertises a relay node. Signed by the relay itself.
type RelayAnnouncement struct {
	Relay     RelayNodeInfo `json:"relay"`
	Timestamp int64         `json:"timestamp"`
}

func (a *RelayAnnouncement) msgType() MsgType { return MsgAnnouncement }

// Frame is a parsed control frame. The raw body is kept so signatures can
// be verified before the body is trusted.
type Frame struct {
	Type      MsgType
	Version   byte
	Body      []byte
	Signature []byte // nil for unsigned types
}

// EncodeMessage frames an unsigned control message.
func EncodeMessage(m Message) ([]byte, error) {
	if m.msgType().signed() {
		return nil, fmt.Errorf("%s frames must be signed", m.msgType())
	}
	return encodeFrame(m, nil)
}

// EncodeSignedMessage frames a control message and signs the body with key.
func EncodeSignedMessage(m Message, key ed25519.PrivateKey) ([]byte, error) {
	if !m.msgType().signed() {
		return nil, fmt.Errorf("%s frames are not signed", m.msgType())
	}
	return encodeFrame(m, key)
}

func encodeFrame(m Message, key ed25519.PrivateKey) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.msgType(), err)
	}
	if len(body) > 0xffff {
		return nil, fmt.Errorf("%s body too large: %d bytes", m.msgType(), len(body))
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(body)+signatureSize)
	buf[0] = byte(m.msgType())
	buf[1] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[2:], uint16(len(body)))
	buf = append(buf, body...)
	if key != nil {
		buf = append(buf, ed25519.Sign(key, body)...)
	}
	return buf, nil
}

// DecodeFrame parses a control frame without interpreting the body. The
// body and signature alias b.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < frameHeaderSize {
		return nil, protoErr("frame", fmt.Errorf("%w: %d bytes", ErrTruncated, len(b)))
	}
	t := MsgType(b[0])
	switch t {
	case MsgConnectionRequest, MsgConnectionResponse, MsgHeartbeat,
		MsgHeartbeatAck, MsgDiscoveryQuery, MsgDiscoveryResponse, MsgAnnouncement:
	default:
		return nil, protoErr("frame", fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, b[0]))
	}
	if b[1] > ProtocolVersion {
		return nil, protoErr("frame", fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[1]))
	}
	bodyLen := int(binary.BigEndian.Uint16(b[2:]))
	want := frameHeaderSize + bodyLen
	if t.signed() {
		want += signatureSize
	}
	if len(b) < want {
		return nil, protoErr("frame", fmt.Errorf("%w: %d bytes, need %d", ErrTruncated, len(b), want))
	}
	f := &Frame{
		Type:    t,
		Version: b[1],
		Body:    b[frameHeaderSize : frameHeaderSize+bodyLen],
	}
	if t.signed() {
		f.Signature = b[frameHeaderSize+bodyLen : want]
	}
	return f, nil
}

// Verify checks the frame signature against pub. Unsigned frame types
// always fail: callers must not trust what was never signed.
func (f *Frame) Verify(pub ed25519.PublicKey) error {
	if f.Signature == nil {
		return fmt.Errorf("%w: %s frames carry no signature", ErrBadSignature, f.Type)
	}
	if !ed25519.Verify(pub, f.Body, f.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Decode unmarshals the frame body into its concrete message type.
func (f *Frame) Decode() (Message, error) {
	var m Message
	switch f.Type {
	case MsgConnectionRequest:
		m = &ConnectionRequest{}
	case MsgConnectionResponse:
		m = &ConnectionResponse{}
	case MsgHeartbeat:
		m = &Heartbeat{}
	case MsgHeartbeatAck:
		m = &HeartbeatAck{}
	case MsgDiscoveryQuery:
		m = &DiscoveryQuery{}
	case MsgDiscoveryResponse:
		m = &DiscoveryResponse{}
	case MsgAnnouncement:
		m = &RelayAnnouncement{}
	default:
		return nil, protoErr("body", fmt.Errorf("%w: %s", ErrUnknownMessage, f.Type))
	}
	if err := json.Unmarshal(f.Body, m); err != nil {
		return nil, protoErr("body", fmt.Errorf("unmarshal %s: %w", f.Type, err))
	}
	return m, nil
}

func randUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	return binary.BigEndian.Uint64(b[:])
}

// NewSessionID allocates a random 64-bit session identifier.
func NewSessionID() uint64 { return randUint64() }
