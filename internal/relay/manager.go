package relay

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/meshpath/meshpath/internal/cache"
	"github.com/meshpath/meshpath/internal/device"
	"github.com/meshpath/meshpath/pkg/proto"
)

// ManagerConfig tunes the client side of relayed connections.
type ManagerConfig struct {
	// ListenAddr is the local UDP bind, default ":0".
	ListenAddr string `yaml:"listen_addr"`
	// ResponseTimeout bounds one connection request/response exchange.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	// MaxConnectRetries is how many relays one Connect call tries.
	MaxConnectRetries int `yaml:"max_connect_retries"`
	// RetryDelay is the pause between relay attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// HeartbeatInterval is the per-session keepalive period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HeartbeatMisses is how many unacked heartbeats kill a session.
	HeartbeatMisses int `yaml:"heartbeat_misses"`
	// ActivityTimeout closes sessions with no traffic at all.
	ActivityTimeout time.Duration `yaml:"activity_timeout"`
	// SessionMaxAge closes sessions regardless of activity.
	SessionMaxAge time.Duration `yaml:"session_max_age"`
	// MaxSendRetries is how often Send retries a failed write.
	MaxSendRetries int `yaml:"max_send_retries"`
	// HomeRelays is how many relays this node keeps a presence
	// registration with so inbound sessions can reach it.
	HomeRelays int `yaml:"home_relays"`
}

// DefaultManagerConfig returns the stock client tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ListenAddr:        ":0",
		ResponseTimeout:   5 * time.Second,
		MaxConnectRetries: 3,
		RetryDelay:        time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatMisses:   3,
		ActivityTimeout:   120 * time.Second,
		SessionMaxAge:     time.Hour,
		MaxSendRetries:    3,
		HomeRelays:        2,
	}
}

func (c *ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	out := *c
	if out.ListenAddr == "" {
		out.ListenAddr = d.ListenAddr
	}
	if out.ResponseTimeout <= 0 {
		out.ResponseTimeout = d.ResponseTimeout
	}
	if out.MaxConnectRetries <= 0 {
		out.MaxConnectRetries = d.MaxConnectRetries
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = d.RetryDelay
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = d.HeartbeatInterval
	}
	if out.HeartbeatMisses <= 0 {
		out.HeartbeatMisses = d.HeartbeatMisses
	}
	if out.ActivityTimeout <= 0 {
		out.ActivityTimeout = d.ActivityTimeout
	}
	if out.SessionMaxAge <= 0 {
		out.SessionMaxAge = d.SessionMaxAge
	}
	if out.MaxSendRetries <= 0 {
		out.MaxSendRetries = d.MaxSendRetries
	}
	if out.HomeRelays <= 0 {
		out.HomeRelays = d.HomeRelays
	}
	return out
}

// PacketHandler receives payloads arriving over relay sessions.
type PacketHandler func(peer proto.PeerID, session uint64, payload []byte)

// Session is one relayed connection to a peer, as seen from this side.
type Session struct {
	ID    uint64
	Peer  proto.PeerID
	Relay proto.PeerID

	m           *Manager
	link        link
	established time.Time

	mu           sync.Mutex
	lastActivity time.Time
	seq          uint64
	lastAck      uint64
	closed       bool
}

func (s *Session) touch(t time.Time) {
	s.mu.Lock()
	s.lastActivity = t
	s.mu.Unlock()
}

// Send forwards payload to the session peer through the relay, retrying
// transient write failures.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	h := proto.RelayHeader{
		DestPeer:  s.Peer,
		SessionID: s.ID,
		Timestamp: uint64(s.m.clk.Now().Unix()),
	}
	buf, err := proto.EncodePacket(h, payload)
	if err != nil {
		return err
	}
	var lastErr error
	for i := 0; i < s.m.cfg.MaxSendRetries; i++ {
		if lastErr = s.link.send(buf); lastErr == nil {
			s.touch(s.m.clk.Now())
			return nil
		}
	}
	return fmt.Errorf("relay send failed after %d attempts: %w", s.m.cfg.MaxSendRetries, lastErr)
}

// Manager runs the client side of the relay protocol: it establishes
// sessions on demand, keeps them alive with heartbeats, receives forwarded
// payloads, and feeds outcomes back into the cache and registry.
type Manager struct {
	cfg      ManagerConfig
	self     proto.PeerID
	key      ed25519.PrivateKey
	registry *Registry
	cache    *cache.Cache
	dev      device.Device
	clk      clock.Clock

	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[uint64]*Session
	byPeer   map[proto.PeerID]uint64
	pending  map[uint64]chan *proto.ConnectionResponse
	offers   map[uint64]inboundOffer    // request nonce -> initiator
	orphans  map[uint64]orphanResponse  // responses that beat their offer
	links    map[proto.PeerID]link      // relays we talked to recently
	probes   map[uint64]chan struct{}   // probe sequence -> ack signal
	wsLinks  []*wsLink
	recv     PacketHandler
	closed   bool

	hbTimeouts uint64
}

type inboundOffer struct {
	from proto.PeerID
	at   time.Time
}

type orphanResponse struct {
	resp *proto.ConnectionResponse
	via  link
	at   time.Time
}

// NewManager binds the local socket and starts the read loop. The device
// receives relayed paths as sessions come and go.
func NewManager(cfg ManagerConfig, self proto.PeerID, key ed25519.PrivateKey, reg *Registry, c *cache.Cache, dev device.Device) (*Manager, error) {
	return NewManagerWithClock(cfg, self, key, reg, c, dev, clock.New())
}

// NewManagerWithClock is NewManager with an injectable clock for tests.
func NewManagerWithClock(cfg ManagerConfig, self proto.PeerID, key ed25519.PrivateKey, reg *Registry, c *cache.Cache, dev device.Device, clk clock.Clock) (*Manager, error) {
	cfg = cfg.withDefaults()
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve relay client addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind relay client socket: %w", err)
	}
	m := &Manager{
		cfg:      cfg,
		self:     self,
		key:      key,
		registry: reg,
		cache:    c,
		dev:      dev,
		clk:      clk,
		conn:     conn,
		sessions: make(map[uint64]*Session),
		byPeer:   make(map[proto.PeerID]uint64),
		pending:  make(map[uint64]chan *proto.ConnectionResponse),
		offers:   make(map[uint64]inboundOffer),
		orphans:  make(map[uint64]orphanResponse),
		links:    make(map[proto.PeerID]link),
		probes:   make(map[uint64]chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

// OnPacket installs the handler for payloads received over any session.
func (m *Manager) OnPacket(h PacketHandler) {
	m.mu.Lock()
	m.recv = h
	m.mu.Unlock()
}

// LocalAddr returns the bound UDP address.
func (m *Manager) LocalAddr() netip.AddrPort {
	return m.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close tears down the socket and all sessions.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	ws := m.wsLinks
	m.wsLinks = nil
	m.mu.Unlock()
	for _, s := range sessions {
		m.closeSession(s, "manager shutdown")
	}
	for _, l := range ws {
		_ = l.conn.Close()
	}
	return m.conn.Close()
}

// Connect establishes a relayed path to peer and installs it on the
// device. Candidate relays come from the registry, best first; each gets
// one request before the next is tried. Implements traverse.RelayConnector.
func (m *Manager) Connect(ctx context.Context, peer proto.PeerID) (device.Path, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return device.Path{}, ErrManagerClosed
	}
	if id, ok := m.byPeer[peer]; ok {
		if s := m.sessions[id]; s != nil {
			m.mu.Unlock()
			return device.Relayed(s.Relay, s.ID), nil
		}
	}
	m.mu.Unlock()

	candidates := m.registry.SelectRelays(peer, nil, 0)
	if len(candidates) == 0 {
		return device.Path{}, ErrNoRelayAvailable
	}
	if len(candidates) > m.cfg.MaxConnectRetries {
		candidates = candidates[:m.cfg.MaxConnectRetries]
	}

	var lastErr error = ErrNoRelayAvailable
	for i, info := range candidates {
		if i > 0 {
			select {
			case <-ctx.Done():
				return device.Path{}, ctx.Err()
			case <-m.clk.After(m.cfg.RetryDelay):
			}
		}
		sess, err := m.connectVia(ctx, peer, info)
		if err != nil {
			lastErr = err
			m.cache.RecordRelayFailure(peer, info.RelayID)
			m.registry.ReportFailure(info.RelayID)
			log.Debug().Str("peer", peer.Short()).Str("relay", info.RelayID.Short()).
				Err(err).Msg("relay attempt failed")
			continue
		}
		m.cache.RecordRelaySuccess(peer, info.RelayID)
		m.registry.ReportSuccess(info.RelayID)
		path := device.Relayed(sess.Relay, sess.ID)
		if err := m.dev.SetPeerEndpoint(ctx, peer, path); err != nil {
			m.closeSession(sess, "path install failed")
			return device.Path{}, fmt.Errorf("install relayed path: %w", err)
		}
		log.Info().Str("peer", peer.Short()).Str("relay", sess.Relay.Short()).
			Uint64("session", sess.ID).Msg("relay session established")
		return path, nil
	}
	return device.Path{}, fmt.Errorf("all %d relay candidates failed: %w", len(candidates), lastErr)
}

// connectVia runs one request/response exchange with a single relay,
// falling back to its websocket endpoint when UDP goes unanswered.
func (m *Manager) connectVia(ctx context.Context, peer proto.PeerID, info proto.RelayNodeInfo) (*Session, error) {
	if len(info.Endpoints) == 0 {
		return nil, fmt.Errorf("relay %s has no endpoints", info.RelayID.Short())
	}
	lnk := m.udpLink(info.Endpoints[0])
	sess, err := m.requestSession(ctx, peer, info, lnk)
	if err == nil {
		return sess, nil
	}
	if !(info.Capabilities.Has(proto.CapTCPFallback) && info.WebsocketURL != "") {
		return nil, err
	}
	log.Debug().Str("relay", info.RelayID.Short()).Err(err).
		Msg("udp attempt failed, trying websocket fallback")
	wl, werr := m.dialWebsocket(ctx, info.WebsocketURL)
	if werr != nil {
		return nil, fmt.Errorf("udp: %v; websocket fallback: %w", err, werr)
	}
	return m.requestSession(ctx, peer, info, wl)
}

func (m *Manager) requestSession(ctx context.Context, peer proto.PeerID, info proto.RelayNodeInfo, lnk link) (*Session, error) {
	req := proto.NewConnectionRequest(m.self, peer)
	buf, err := proto.EncodeSignedMessage(req, m.key)
	if err != nil {
		return nil, err
	}

	ch := make(chan *proto.ConnectionResponse, 1)
	m.mu.Lock()
	m.pending[req.Nonce] = ch
	m.links[info.RelayID] = lnk
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, req.Nonce)
		m.mu.Unlock()
	}()

	start := m.clk.Now()
	if err := lnk.send(buf); err != nil {
		return nil, fmt.Errorf("send connection request: %w", err)
	}

	timer := m.clk.Timer(m.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrConnectTimeout
	case resp := <-ch:
		if resp.Status != proto.StatusAccepted {
			return nil, fmt.Errorf("relay refused: %s %s", resp.Status, resp.Reason)
		}
		m.registry.ObserveLatency(info.RelayID, m.clk.Now().Sub(start))
		return m.installSession(resp.SessionID, peer, info.RelayID, lnk), nil
	}
}

func (m *Manager) installSession(id uint64, peer, relayID proto.PeerID, lnk link) *Session {
	now := m.clk.Now()
	s := &Session{
		ID:           id,
		Peer:         peer,
		Relay:        relayID,
		m:            m,
		link:         lnk,
		established:  now,
		lastActivity: now,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.byPeer[peer] = id
	m.mu.Unlock()
	return s
}

// SessionFor returns the live session to peer, if any.
func (m *Manager) SessionFor(peer proto.PeerID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPeer[peer]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// Probe sends a signed ping to peer at ep from the manager's own socket
// and waits for the echoed ack. Going through the shared socket keeps the
// NAT mapping the probe opens aligned with later session traffic.
// Implements traverse.Prober.
func (m *Manager) Probe(ctx context.Context, peer proto.PeerID, ep netip.AddrPort) (time.Duration, error) {
	hb := &proto.Heartbeat{From: m.self, Sequence: proto.NewSessionID(), Timestamp: m.clk.Now().Unix()}
	buf, err := proto.EncodeSignedMessage(hb, m.key)
	if err != nil {
		return 0, err
	}

	ch := make(chan struct{}, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrManagerClosed
	}
	m.probes[hb.Sequence] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.probes, hb.Sequence)
		m.mu.Unlock()
	}()

	start := m.clk.Now()
	if err := m.udpLink(ep).send(buf); err != nil {
		return 0, fmt.Errorf("send probe: %w", err)
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-ch:
		return m.clk.Now().Sub(start), nil
	}
}

// Send forwards payload to peer over its relay session.
func (m *Manager) Send(peer proto.PeerID, payload []byte) error {
	s, ok := m.SessionFor(peer)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Send(payload)
}

func (m *Manager) closeSession(s *Session, reason string) {
	m.teardown(s, reason, true)
}

// teardown unregisters a session. clearPath is false when the device
// already holds a replacement path that must survive the close.
func (m *Manager) teardown(s *Session, reason string, clearPath bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	if m.byPeer[s.Peer] == s.ID {
		delete(m.byPeer, s.Peer)
	}
	m.mu.Unlock()

	if clearPath {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.dev.ClearPeerEndpoint(ctx, s.Peer); err != nil {
			log.Debug().Str("peer", s.Peer.Short()).Err(err).Msg("clear relayed path failed")
		}
	}
	log.Info().Str("peer", s.Peer.Short()).Uint64("session", s.ID).
		Str("reason", reason).Msg("relay session closed")
}

// Relayed reports whether a live session to peer exists. Implements part
// of traverse.RelayConnector.
func (m *Manager) Relayed(peer proto.PeerID) bool {
	_, ok := m.SessionFor(peer)
	return ok
}

// Release closes the session to peer without touching the device path,
// used once a direct path has replaced the relayed one.
func (m *Manager) Release(_ context.Context, peer proto.PeerID) error {
	s, ok := m.SessionFor(peer)
	if !ok {
		return nil
	}
	m.teardown(s, "direct path available", false)
	return nil
}

// RegisterWith sends a presence heartbeat to a relay so it can route
// inbound sessions to this node.
func (m *Manager) RegisterWith(info proto.RelayNodeInfo) error {
	if len(info.Endpoints) == 0 {
		return fmt.Errorf("relay %s has no endpoints", info.RelayID.Short())
	}
	hb := &proto.Heartbeat{From: m.self, Timestamp: m.clk.Now().Unix()}
	buf, err := proto.EncodeSignedMessage(hb, m.key)
	if err != nil {
		return err
	}
	lnk := m.udpLink(info.Endpoints[0])
	m.mu.Lock()
	m.links[info.RelayID] = lnk
	m.mu.Unlock()
	return lnk.send(buf)
}

// Run drives heartbeats, presence registration, and session expiry until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clk.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	m.maintain()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.maintain()
		}
	}
}

func (m *Manager) maintain() {
	now := m.clk.Now()

	// Presence with the best relays keeps inbound connectivity alive.
	for i, info := range m.registry.SelectRelays(m.self, nil, 0) {
		if i >= m.cfg.HomeRelays {
			break
		}
		if err := m.RegisterWith(info); err != nil {
			log.Debug().Str("relay", info.RelayID.Short()).Err(err).
				Msg("presence registration failed")
		}
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	// Expire stale inbound bookkeeping while we are here.
	for nonce, o := range m.offers {
		if now.Sub(o.at) > proto.MaxRequestAge {
			delete(m.offers, nonce)
		}
	}
	for nonce, o := range m.orphans {
		if now.Sub(o.at) > proto.MaxRequestAge {
			delete(m.orphans, nonce)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		misses := s.seq - s.lastAck
		idle := now.Sub(s.lastActivity)
		age := now.Sub(s.established)
		s.seq++
		seq := s.seq
		s.mu.Unlock()

		switch {
		case misses >= uint64(m.cfg.HeartbeatMisses):
			m.failSession(s, "heartbeat timeout")
			continue
		case idle > m.cfg.ActivityTimeout:
			m.closeSession(s, "activity timeout")
			continue
		case age > m.cfg.SessionMaxAge:
			m.closeSession(s, "session expired")
			continue
		}

		hb := &proto.Heartbeat{From: m.self, SessionID: s.ID, Sequence: seq, Timestamp: now.Unix()}
		buf, err := proto.EncodeSignedMessage(hb, m.key)
		if err != nil {
			log.Error().Err(err).Msg("encode heartbeat")
			continue
		}
		if err := s.link.send(buf); err != nil {
			log.Debug().Uint64("session", s.ID).Err(err).Msg("heartbeat send failed")
		}
	}
}

// failSession closes a dead session, charges the relay, and tries to
// re-establish the path once through another relay.
func (m *Manager) failSession(s *Session, reason string) {
	m.mu.Lock()
	m.hbTimeouts++
	m.mu.Unlock()
	m.cache.RecordRelayFailure(s.Peer, s.Relay)
	m.registry.ReportFailure(s.Relay)
	m.closeSession(s, reason)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ResponseTimeout*time.Duration(m.cfg.MaxConnectRetries+1))
		defer cancel()
		if _, err := m.Connect(ctx, s.Peer); err != nil {
			log.Warn().Str("peer", s.Peer.Short()).Err(err).
				Msg("relay session lost and reconnect failed")
		}
	}()
}

func (m *Manager) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			log.Debug().Err(err).Msg("relay client read error")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		m.handleDatagram(pkt, m.udpLink(from))
	}
}

// handleDatagram dispatches one datagram from a relay, over UDP or the
// websocket fallback. Malformed input is dropped, never fatal.
func (m *Manager) handleDatagram(b []byte, via link) {
	if len(b) == 0 {
		return
	}
	if proto.MsgType(b[0]) == proto.MsgPacket {
		m.handlePacket(b)
		return
	}
	f, err := proto.DecodeFrame(b)
	if err != nil {
		log.Debug().Err(err).Msg("dropping malformed relay frame")
		return
	}
	msg, err := f.Decode()
	if err != nil {
		log.Debug().Err(err).Msg("dropping undecodable relay frame")
		return
	}
	switch v := msg.(type) {
	case *proto.ConnectionResponse:
		m.handleResponse(v, via)
	case *proto.ConnectionRequest:
		m.handleOffer(f, v, via)
	case *proto.Heartbeat:
		m.handlePing(f, v, via)
	case *proto.HeartbeatAck:
		m.handleAck(v)
	case *proto.RelayAnnouncement:
		if err := m.registry.HandleAnnouncement(f); err != nil {
			log.Debug().Err(err).Msg("dropping bad relay announcement")
		}
	default:
		log.Debug().Stringer("type", f.Type).Msg("dropping unexpected relay frame")
	}
}

func (m *Manager) handlePacket(b []byte) {
	h, payload, err := proto.DecodePacket(b)
	if err != nil {
		log.Debug().Err(err).Msg("dropping malformed relay packet")
		return
	}
	if h.DestPeer != m.self {
		log.Debug().Str("dest", h.DestPeer.Short()).Msg("dropping misdelivered relay packet")
		return
	}
	m.mu.Lock()
	s := m.sessions[h.SessionID]
	recv := m.recv
	m.mu.Unlock()
	if s == nil {
		log.Debug().Uint64("session", h.SessionID).Msg("dropping packet for unknown session")
		return
	}
	s.touch(m.clk.Now())
	if recv != nil {
		recv(s.Peer, s.ID, payload)
	}
}

func (m *Manager) handleResponse(resp *proto.ConnectionResponse, via link) {
	m.mu.Lock()
	ch, ok := m.pending[resp.RequestNonce]
	m.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
		return
	}
	// Not ours: may be the session grant matching a forwarded inbound
	// offer. Stash it if the offer has not arrived yet.
	m.matchInbound(resp, via)
}

func (m *Manager) handleOffer(f *proto.Frame, req *proto.ConnectionRequest, via link) {
	if req.ToPeer != m.self {
		return
	}
	if err := f.Verify(req.FromPeer.Key()); err != nil {
		log.Debug().Str("from", req.FromPeer.Short()).Err(err).
			Msg("dropping inbound offer with bad signature")
		return
	}
	if !req.Valid(m.clk.Now()) {
		log.Debug().Str("from", req.FromPeer.Short()).Msg("dropping stale inbound offer")
		return
	}
	m.mu.Lock()
	m.offers[req.Nonce] = inboundOffer{from: req.FromPeer, at: m.clk.Now()}
	orphan, ok := m.orphans[req.Nonce]
	if ok {
		delete(m.orphans, req.Nonce)
	}
	m.mu.Unlock()

	log.Debug().Str("from", req.FromPeer.Short()).Msg("inbound relay offer")
	if ok {
		m.matchInbound(orphan.resp, orphan.via)
	}
}

// matchInbound pairs a session grant with its offer and installs the
// passive side of the session.
func (m *Manager) matchInbound(resp *proto.ConnectionResponse, via link) {
	if resp.Status != proto.StatusAccepted {
		return
	}
	m.mu.Lock()
	offer, ok := m.offers[resp.RequestNonce]
	if !ok {
		m.orphans[resp.RequestNonce] = orphanResponse{resp: resp, via: via, at: m.clk.Now()}
		m.mu.Unlock()
		return
	}
	delete(m.offers, resp.RequestNonce)
	m.mu.Unlock()

	relayID := m.relayForLink(via)
	s := m.installSession(resp.SessionID, offer.from, relayID, via)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.dev.SetPeerEndpoint(ctx, offer.from, device.Relayed(relayID, s.ID)); err != nil {
		log.Error().Str("peer", offer.from.Short()).Err(err).Msg("install inbound relayed path")
		m.teardown(s, "path install failed", false)
		return
	}
	log.Info().Str("peer", offer.from.Short()).Uint64("session", s.ID).
		Msg("inbound relay session established")
}

// handlePing answers a direct probe from another node with an unsigned
// ack echoing the sequence number.
func (m *Manager) handlePing(f *proto.Frame, hb *proto.Heartbeat, via link) {
	if hb.From == m.self || hb.From == (proto.PeerID{}) {
		return
	}
	if err := f.Verify(hb.From.Key()); err != nil {
		log.Debug().Str("from", hb.From.Short()).Err(err).
			Msg("dropping probe with bad signature")
		return
	}
	ack := &proto.HeartbeatAck{Sequence: hb.Sequence, Timestamp: m.clk.Now().Unix()}
	buf, err := proto.EncodeMessage(ack)
	if err != nil {
		log.Error().Err(err).Msg("encode probe ack")
		return
	}
	if err := via.send(buf); err != nil {
		log.Debug().Str("from", hb.From.Short()).Err(err).Msg("probe ack send failed")
	}
}

func (m *Manager) handleAck(ack *proto.HeartbeatAck) {
	if ack.SessionID == 0 {
		m.mu.Lock()
		ch, ok := m.probes[ack.Sequence]
		m.mu.Unlock()
		if ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		return // probe or presence ack
	}
	m.mu.Lock()
	s := m.sessions[ack.SessionID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	now := m.clk.Now()
	s.mu.Lock()
	if ack.Sequence > s.lastAck {
		s.lastAck = ack.Sequence
	}
	s.lastActivity = now
	s.mu.Unlock()
}

// ManagerStats summarize the client's relay state.
type ManagerStats struct {
	Sessions          int
	HeartbeatTimeouts uint64
}

// Stats reports current session count and cumulative failure counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{Sessions: len(m.sessions), HeartbeatTimeouts: m.hbTimeouts}
}

// HeartbeatTimeouts reports how many sessions were declared dead after
// missed heartbeat acks.
func (m *Manager) HeartbeatTimeouts() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hbTimeouts
}

// relayForLink maps a link back to the relay identity it reaches.
func (m *Manager) relayForLink(l link) proto.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, known := range m.links {
		if known.String() == l.String() {
			return id
		}
	}
	return proto.PeerID{}
}
