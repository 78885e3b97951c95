package proto

import (
	"errors"
	"fmt"
)

// Sentinel errors returned while decoding wire input. All of them are
// wrapped in *ProtocolError so receivers can drop bad datagrams with a
// single errors.As check.
var (
	ErrTruncated          = errors.New("truncated input")
	ErrUnknownMessage     = errors.New("unknown message type")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum size")
)

// ErrBadSignature indicates a well-formed frame whose signature did not
// verify. It is intentionally not a ProtocolError: the frame parsed fine,
// the sender just isn't who it claims to be.
var ErrBadSignature = errors.New("signature verification failed")

// ProtocolError wraps any failure to decode bytes received from the
// network. Receivers treat it as "drop this datagram", never as fatal.
type ProtocolError struct {
	Op  string // what was being decoded: "header", "frame", "body"
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: decoding %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}
