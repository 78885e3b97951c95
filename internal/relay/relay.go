// Package relay implements the relay side of connection establishment:
// discovering relay nodes and choosing among them (Registry), holding
// client sessions through a relay (Manager), and running a relay node
// itself (Service).
//
// The wire protocol lives in pkg/proto. Relays forward opaque payloads
// between exactly two peers per session and never inspect them.
package relay

import "errors"

var (
	// ErrNoRelayAvailable means every candidate relay was tried and none
	// produced a session.
	ErrNoRelayAvailable = errors.New("no relay available")

	// ErrSessionNotFound means the session id is unknown or already gone.
	ErrSessionNotFound = errors.New("relay session not found")

	// ErrSessionClosed means the session was torn down while in use.
	ErrSessionClosed = errors.New("relay session closed")

	// ErrConnectTimeout means a relay did not answer a connection request
	// in time.
	ErrConnectTimeout = errors.New("relay connection request timed out")

	// ErrManagerClosed means the manager socket was shut down.
	ErrManagerClosed = errors.New("relay manager closed")
)
