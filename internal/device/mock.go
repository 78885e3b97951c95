package device

import (
	"context"
	"sync"
	"time"

	"github.com/meshpath/meshpath/pkg/proto"
)

// MockDevice is an in-memory Device for testing.
type MockDevice struct {
	mu sync.Mutex

	// SetPeerEndpointFunc, when set, overrides the default behavior.
	SetPeerEndpointFunc func(ctx context.Context, peer proto.PeerID, path Path) error
	SetErr              error

	paths    map[proto.PeerID]Path
	activity map[proto.PeerID]time.Time

	SetCalls   int
	ClearCalls int
}

func NewMockDevice() *MockDevice {
	return &MockDevice{
		paths:    make(map[proto.PeerID]Path),
		activity: make(map[proto.PeerID]time.Time),
	}
}

func (m *MockDevice) SetPeerEndpoint(ctx context.Context, peer proto.PeerID, path Path) error {
	m.mu.Lock()
	m.SetCalls++
	m.mu.Unlock()

	if m.SetPeerEndpointFunc != nil {
		return m.SetPeerEndpointFunc(ctx, peer, path)
	}
	if m.SetErr != nil {
		return m.SetErr
	}
	m.mu.Lock()
	m.paths[peer] = path
	m.mu.Unlock()
	return nil
}

func (m *MockDevice) ClearPeerEndpoint(ctx context.Context, peer proto.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClearCalls++
	delete(m.paths, peer)
	return nil
}

func (m *MockDevice) LastActivity(peer proto.PeerID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.activity[peer]
	return t, ok
}

// Touch records activity from peer at t, visible through LastActivity.
func (m *MockDevice) Touch(peer proto.PeerID, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[peer] = t
}

// Path returns the currently installed path for peer.
func (m *MockDevice) Path(peer proto.PeerID) (Path, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.paths[peer]
	return p, ok
}
