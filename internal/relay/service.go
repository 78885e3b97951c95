package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/meshpath/meshpath/internal/metrics"
	"github.com/meshpath/meshpath/pkg/bytesize"
	"github.com/meshpath/meshpath/pkg/proto"
)

// ServiceConfig tunes a relay node.
type ServiceConfig struct {
	// ListenAddr is the UDP bind for the data plane.
	ListenAddr string `yaml:"listen_addr"`
	// HTTPAddr serves the websocket fallback and /metrics; empty
	// disables both.
	HTTPAddr string `yaml:"http_addr"`
	// AdvertiseAddr is the endpoint announced to peers; defaults to the
	// bound address.
	AdvertiseAddr string `yaml:"advertise_addr"`
	// AdvertiseWSURL is the websocket URL announced when HTTPAddr is set.
	AdvertiseWSURL string `yaml:"advertise_ws_url"`
	// Region is the relay's region tag for selection affinity.
	Region string `yaml:"region"`

	// MaxTotalSessions caps concurrent sessions across all clients.
	MaxTotalSessions int `yaml:"max_total_sessions"`
	// MaxSessionsPerClient caps sessions initiated by one peer.
	MaxSessionsPerClient int `yaml:"max_sessions_per_client"`
	// ConnectionRatePerMinute caps connection requests per source.
	ConnectionRatePerMinute int `yaml:"connection_rate_per_minute"`
	// PacketsPerSecond caps forwarded packets per session.
	PacketsPerSecond int `yaml:"packets_per_second"`
	// BytesPerSecond caps forwarded payload bytes per session; zero
	// means unlimited.
	BytesPerSecond int `yaml:"bytes_per_second"`

	// SessionIdleTimeout reaps sessions with no traffic.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	// SessionMaxAge reaps sessions regardless of traffic.
	SessionMaxAge time.Duration `yaml:"session_max_age"`
	// PresenceTTL is how long a peer registration stays routable
	// without a fresh heartbeat.
	PresenceTTL time.Duration `yaml:"presence_ttl"`
	// MaintenanceInterval is the reaper period.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// AnnounceInterval is how often the relay announces itself.
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	// AnnounceTargets are UDP addresses that receive announcements,
	// typically other relays' data planes.
	AnnounceTargets []string `yaml:"announce_targets"`
	// LimiterCacheSize bounds the per-source limiter table.
	LimiterCacheSize int `yaml:"limiter_cache_size"`
}

// DefaultServiceConfig returns the stock relay tuning.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:              ":4800",
		MaxTotalSessions:        1000,
		MaxSessionsPerClient:    5,
		ConnectionRatePerMinute: 60,
		PacketsPerSecond:        100,
		BytesPerSecond:          1 << 20,
		SessionIdleTimeout:      300 * time.Second,
		SessionMaxAge:           time.Hour,
		PresenceTTL:             90 * time.Second,
		MaintenanceInterval:     30 * time.Second,
		AnnounceInterval:        time.Minute,
		LimiterCacheSize:        4096,
	}
}

func (c *ServiceConfig) withDefaults() ServiceConfig {
	d := DefaultServiceConfig()
	out := *c
	if out.ListenAddr == "" {
		out.ListenAddr = d.ListenAddr
	}
	if out.MaxTotalSessions <= 0 {
		out.MaxTotalSessions = d.MaxTotalSessions
	}
	if out.MaxSessionsPerClient <= 0 {
		out.MaxSessionsPerClient = d.MaxSessionsPerClient
	}
	if out.ConnectionRatePerMinute <= 0 {
		out.ConnectionRatePerMinute = d.ConnectionRatePerMinute
	}
	if out.PacketsPerSecond <= 0 {
		out.PacketsPerSecond = d.PacketsPerSecond
	}
	if out.SessionIdleTimeout <= 0 {
		out.SessionIdleTimeout = d.SessionIdleTimeout
	}
	if out.SessionMaxAge <= 0 {
		out.SessionMaxAge = d.SessionMaxAge
	}
	if out.PresenceTTL <= 0 {
		out.PresenceTTL = d.PresenceTTL
	}
	if out.MaintenanceInterval <= 0 {
		out.MaintenanceInterval = d.MaintenanceInterval
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = d.AnnounceInterval
	}
	if out.LimiterCacheSize <= 0 {
		out.LimiterCacheSize = d.LimiterCacheSize
	}
	return out
}

// Validate rejects configurations that cannot serve.
func (c *ServiceConfig) Validate() error {
	if c.MaxSessionsPerClient > c.MaxTotalSessions && c.MaxTotalSessions > 0 {
		return fmt.Errorf("max_sessions_per_client %d exceeds max_total_sessions %d",
			c.MaxSessionsPerClient, c.MaxTotalSessions)
	}
	if c.AdvertiseAddr != "" {
		if _, err := netip.ParseAddrPort(c.AdvertiseAddr); err != nil {
			return fmt.Errorf("advertise_addr: %w", err)
		}
	}
	return nil
}

// serverSession is the relay-side record of one forwarded connection.
type serverSession struct {
	id        uint64
	initiator proto.PeerID
	target    proto.PeerID

	mu           sync.Mutex
	initLink     link
	targetLink   link
	created      time.Time
	lastActivity time.Time
	fwdPackets   uint64 // initiator -> target
	revPackets   uint64
	fwdBytes     uint64
	revBytes     uint64

	packets *rate.Limiter
	bytes   *rate.Limiter // nil when unlimited
}

type presence struct {
	lnk  link
	seen time.Time
}

type pairKey struct {
	initiator proto.PeerID
	target    proto.PeerID
}

// Stats is a point-in-time summary of relay activity.
type Stats struct {
	ActiveSessions   int    `json:"active_sessions"`
	TotalSessions    uint64 `json:"total_sessions"`
	PacketsForwarded uint64 `json:"packets_forwarded"`
	BytesForwarded   uint64 `json:"bytes_forwarded"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	RegisteredPeers  int    `json:"registered_peers"`
}

// Service is a relay node: it accepts connection requests, pairs the two
// peers into a session, and forwards their packets verbatim.
type Service struct {
	cfg ServiceConfig
	id  proto.PeerID
	key ed25519.PrivateKey
	clk clock.Clock
	reg *Registry // optional, enriches discovery responses
	m   *metrics.RelayMetrics

	conn     *net.UDPConn
	httpLn   net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  map[uint64]*serverSession
	byPair    map[pairKey]uint64
	peers     map[proto.PeerID]presence
	connRates *lru.Cache[string, *rate.Limiter]
	stats     Stats
	started   time.Time
	closed    bool
}

// NewService binds the relay's UDP socket. reg may be nil; when present
// its contents are included in discovery responses.
func NewService(cfg ServiceConfig, id proto.PeerID, key ed25519.PrivateKey, reg *Registry) (*Service, error) {
	return NewServiceWithClock(cfg, id, key, reg, clock.New())
}

// NewServiceWithClock is NewService with an injectable clock for tests.
func NewServiceWithClock(cfg ServiceConfig, id proto.PeerID, key ed25519.PrivateKey, reg *Registry, clk clock.Clock) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve relay listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind relay socket: %w", err)
	}
	limiters, err := lru.New[string, *rate.Limiter](cfg.LimiterCacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := &Service{
		cfg:       cfg,
		id:        id,
		key:       key,
		clk:       clk,
		reg:       reg,
		m:         metrics.InitRelayMetrics(id.Short()),
		conn:      conn,
		sessions:  make(map[uint64]*serverSession),
		byPair:    make(map[pairKey]uint64),
		peers:     make(map[proto.PeerID]presence),
		connRates: limiters,
		started:   clk.Now(),
	}
	if cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("bind relay http listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/relay", s.handleWebsocket)
		mux.Handle("/metrics", metrics.Handler())
		s.httpLn = ln
		s.httpSrv = &http.Server{Handler: mux}
	}
	return s, nil
}

// LocalAddr returns the bound UDP address.
func (s *Service) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// WebsocketURL returns the fallback endpoint, or "" when disabled.
func (s *Service) WebsocketURL() string {
	if s.httpLn == nil {
		return ""
	}
	if s.cfg.AdvertiseWSURL != "" {
		return s.cfg.AdvertiseWSURL
	}
	return "ws://" + s.httpLn.Addr().String() + "/relay"
}

// Run serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Str("relay", s.id.Short()).Stringer("addr", s.LocalAddr()).
		Str("session_bandwidth", bytesize.FormatRate(int64(s.cfg.BytesPerSecond))).
		Msg("relay service listening")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.announceLoop(ctx)
	}()
	if s.httpSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveHTTP()
		}()
	}

	<-ctx.Done()
	s.Close()
	wg.Wait()
	return nil
}

// Close shuts the sockets down.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(ctx)
	}
	return s.conn.Close()
}

func (s *Service) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			log.Debug().Err(err).Msg("relay read error")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.handleDatagram(pkt, &udpLink{conn: s.conn, ep: from})
	}
}

func (s *Service) serveHTTP() {
	if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("relay http server failed")
	}
}

// handleWebsocket runs the TCP fallback: each binary message is one
// datagram, handled exactly like a UDP read.
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	lnk := &wsLink{conn: conn, url: "ws://" + r.RemoteAddr}
	defer conn.Close()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		s.handleDatagram(data, lnk)
	}
}

// handleDatagram dispatches one datagram. Malformed input is counted and
// dropped; it never takes the relay down.
func (s *Service) handleDatagram(b []byte, via link) {
	if len(b) == 0 {
		return
	}
	if proto.MsgType(b[0]) == proto.MsgPacket {
		s.forward(b, via)
		return
	}
	f, err := proto.DecodeFrame(b)
	if err != nil {
		s.drop("malformed")
		log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}
	msg, err := f.Decode()
	if err != nil {
		s.drop("malformed")
		log.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}
	switch v := msg.(type) {
	case *proto.ConnectionRequest:
		s.handleConnect(b, f, v, via)
	case *proto.Heartbeat:
		s.handleHeartbeat(f, v, via)
	case *proto.DiscoveryQuery:
		s.handleDiscovery(v, via)
	case *proto.RelayAnnouncement:
		if s.reg != nil {
			if err := s.reg.HandleAnnouncement(f); err != nil {
				log.Debug().Err(err).Msg("dropping bad announcement")
			}
		}
	default:
		s.drop("unexpected")
	}
}

func (s *Service) drop(reason string) {
	s.mu.Lock()
	s.stats.PacketsDropped++
	s.mu.Unlock()
	s.m.PacketsDropped.WithLabelValues(reason).Inc()
}

// forward copies a data packet to the session's other side, byte for
// byte. The payload is never parsed.
func (s *Service) forward(b []byte, via link) {
	h, payload, err := proto.DecodePacket(b)
	if err != nil {
		s.drop("malformed")
		return
	}
	now := s.clk.Now()
	if !h.Valid(now) {
		s.drop("replay")
		return
	}

	s.mu.Lock()
	sess := s.sessions[h.SessionID]
	s.mu.Unlock()
	if sess == nil {
		s.drop("unknown_session")
		return
	}

	sess.mu.Lock()
	var out link
	switch h.DestPeer {
	case sess.target:
		sess.initLink = via // sender is the initiator; learn its address
		out = sess.targetLink
	case sess.initiator:
		sess.targetLink = via
		out = sess.initLink
	default:
		sess.mu.Unlock()
		s.drop("dest_mismatch")
		return
	}
	if out == nil {
		sess.mu.Unlock()
		s.drop("no_route")
		return
	}
	if !sess.packets.Allow() {
		sess.mu.Unlock()
		s.drop("packet_rate")
		return
	}
	if sess.bytes != nil && !sess.bytes.AllowN(now, len(payload)) {
		sess.mu.Unlock()
		s.drop("bandwidth")
		return
	}
	sess.lastActivity = now
	if h.DestPeer == sess.target {
		sess.fwdPackets++
		sess.fwdBytes += uint64(len(payload))
	} else {
		sess.revPackets++
		sess.revBytes += uint64(len(payload))
	}
	sess.mu.Unlock()

	if err := out.send(b); err != nil {
		s.drop("send_error")
		log.Debug().Uint64("session", h.SessionID).Err(err).Msg("forward failed")
		return
	}
	s.mu.Lock()
	s.stats.PacketsForwarded++
	s.stats.BytesForwarded += uint64(len(payload))
	s.mu.Unlock()
	s.m.PacketsForwarded.Inc()
	s.m.BytesForwarded.Add(float64(len(payload)))
}

func (s *Service) handleConnect(raw []byte, f *proto.Frame, req *proto.ConnectionRequest, via link) {
	now := s.clk.Now()
	if err := f.Verify(req.FromPeer.Key()); err != nil {
		s.drop("bad_signature")
		log.Debug().Str("from", req.FromPeer.Short()).Msg("rejecting unsigned connection request")
		return
	}
	if !req.Valid(now) {
		s.drop("stale_request")
		return
	}
	if !s.allowConnect(via) {
		s.refuse(req, via, proto.StatusResourceLimit, "connection rate exceeded")
		return
	}

	// Any authenticated contact refreshes the sender's presence.
	s.registerPeer(req.FromPeer, via, now)

	s.mu.Lock()
	// Repeated request for an existing pair returns the same session.
	if id, ok := s.byPair[pairKey{req.FromPeer, req.ToPeer}]; ok {
		if sess := s.sessions[id]; sess != nil {
			s.mu.Unlock()
			s.grant(req, via, id)
			return
		}
	}
	if len(s.sessions) >= s.cfg.MaxTotalSessions {
		s.mu.Unlock()
		s.m.SessionsRejected.WithLabelValues("total_limit").Inc()
		s.refuse(req, via, proto.StatusResourceLimit, "relay at capacity")
		return
	}
	perClient := 0
	for _, sess := range s.sessions {
		if sess.initiator == req.FromPeer {
			perClient++
		}
	}
	if perClient >= s.cfg.MaxSessionsPerClient {
		s.mu.Unlock()
		s.m.SessionsRejected.WithLabelValues("client_limit").Inc()
		s.refuse(req, via, proto.StatusResourceLimit, "per-client session limit")
		return
	}
	targetPresence, ok := s.peers[req.ToPeer]
	if !ok || now.Sub(targetPresence.seen) > s.cfg.PresenceTTL {
		s.mu.Unlock()
		s.m.SessionsRejected.WithLabelValues("target_unreachable").Inc()
		s.refuse(req, via, proto.StatusTargetUnreachable, "target not registered")
		return
	}

	id := proto.NewSessionID()
	sess := &serverSession{
		id:           id,
		initiator:    req.FromPeer,
		target:       req.ToPeer,
		initLink:     via,
		targetLink:   targetPresence.lnk,
		created:      now,
		lastActivity: now,
		packets:      rate.NewLimiter(rate.Limit(s.cfg.PacketsPerSecond), s.cfg.PacketsPerSecond),
	}
	if s.cfg.BytesPerSecond > 0 {
		sess.bytes = rate.NewLimiter(rate.Limit(s.cfg.BytesPerSecond), s.cfg.BytesPerSecond)
	}
	s.sessions[id] = sess
	s.byPair[pairKey{req.FromPeer, req.ToPeer}] = id
	s.stats.TotalSessions++
	active := len(s.sessions)
	s.mu.Unlock()

	s.m.SessionsTotal.Inc()
	s.m.SessionsActive.Set(float64(active))
	log.Info().Str("initiator", req.FromPeer.Short()).Str("target", req.ToPeer.Short()).
		Uint64("session", id).Msg("relay session accepted")

	// The target learns of the session from the forwarded request plus
	// the same grant the initiator gets.
	if err := targetPresence.lnk.send(raw); err != nil {
		log.Debug().Err(err).Msg("forwarding offer to target failed")
	}
	s.grant(req, targetPresence.lnk, id)
	s.grant(req, via, id)
}

func (s *Service) grant(req *proto.ConnectionRequest, to link, id uint64) {
	resp := &proto.ConnectionResponse{
		RequestNonce: req.Nonce,
		Status:       proto.StatusAccepted,
		SessionID:    id,
		Timestamp:    s.clk.Now().Unix(),
	}
	buf, err := proto.EncodeMessage(resp)
	if err != nil {
		log.Error().Err(err).Msg("encode connection response")
		return
	}
	if err := to.send(buf); err != nil {
		log.Debug().Err(err).Msg("send connection response failed")
	}
}

func (s *Service) refuse(req *proto.ConnectionRequest, to link, status proto.ConnectionStatus, reason string) {
	resp := &proto.ConnectionResponse{
		RequestNonce: req.Nonce,
		Status:       status,
		Reason:       reason,
		Timestamp:    s.clk.Now().Unix(),
	}
	buf, err := proto.EncodeMessage(resp)
	if err != nil {
		return
	}
	if err := to.send(buf); err != nil {
		log.Debug().Err(err).Msg("send refusal failed")
	}
	log.Debug().Str("from", req.FromPeer.Short()).Str("to", req.ToPeer.Short()).
		Stringer("status", status).Str("reason", reason).Msg("connection request refused")
}

// allowConnect rate-limits connection requests per source address.
func (s *Service) allowConnect(via link) bool {
	key := via.String()
	lim, ok := s.connRates.Get(key)
	if !ok {
		perSec := rate.Limit(float64(s.cfg.ConnectionRatePerMinute) / 60)
		lim = rate.NewLimiter(perSec, s.cfg.ConnectionRatePerMinute)
		s.connRates.Add(key, lim)
	}
	return lim.Allow()
}

func (s *Service) registerPeer(id proto.PeerID, via link, now time.Time) {
	s.mu.Lock()
	s.peers[id] = presence{lnk: via, seen: now}
	s.mu.Unlock()
}

func (s *Service) handleHeartbeat(f *proto.Frame, hb *proto.Heartbeat, via link) {
	now := s.clk.Now()
	if err := f.Verify(hb.From.Key()); err != nil {
		s.drop("bad_signature")
		return
	}
	s.registerPeer(hb.From, via, now)

	if hb.SessionID != 0 {
		s.mu.Lock()
		sess := s.sessions[hb.SessionID]
		s.mu.Unlock()
		if sess != nil {
			sess.mu.Lock()
			if hb.From == sess.initiator {
				sess.initLink = via
			} else if hb.From == sess.target {
				sess.targetLink = via
			}
			sess.lastActivity = now
			sess.mu.Unlock()
		}
	}
	s.m.HeartbeatsHandled.Inc()

	ack := &proto.HeartbeatAck{SessionID: hb.SessionID, Sequence: hb.Sequence, Timestamp: now.Unix()}
	buf, err := proto.EncodeMessage(ack)
	if err != nil {
		return
	}
	if err := via.send(buf); err != nil {
		log.Debug().Err(err).Msg("heartbeat ack send failed")
	}
}

func (s *Service) handleDiscovery(q *proto.DiscoveryQuery, via link) {
	s.m.DiscoveryQueries.Inc()
	relays := []proto.RelayNodeInfo{s.NodeInfo()}
	if s.reg != nil {
		for _, info := range s.reg.Snapshot() {
			if info.RelayID == s.id {
				continue
			}
			if q.Capabilities != 0 && !info.Capabilities.Has(q.Capabilities) {
				continue
			}
			relays = append(relays, info)
		}
	}
	resp := &proto.DiscoveryResponse{Nonce: q.Nonce, Relays: relays}
	buf, err := proto.EncodeMessage(resp)
	if err != nil {
		log.Error().Err(err).Msg("encode discovery response")
		return
	}
	if err := via.send(buf); err != nil {
		log.Debug().Err(err).Msg("discovery response send failed")
	}
}

// NodeInfo describes this relay as peers should see it.
func (s *Service) NodeInfo() proto.RelayNodeInfo {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()

	load := 0
	if s.cfg.MaxTotalSessions > 0 {
		load = active * 100 / s.cfg.MaxTotalSessions
		if load > 100 {
			load = 100
		}
	}

	ep := s.LocalAddr()
	if s.cfg.AdvertiseAddr != "" {
		if parsed, err := netip.ParseAddrPort(s.cfg.AdvertiseAddr); err == nil {
			ep = parsed
		}
	}
	caps := proto.CapIPv4
	if ep.Addr().Is6() {
		caps |= proto.CapIPv6
	}
	wsURL := s.WebsocketURL()
	if wsURL != "" {
		caps |= proto.CapTCPFallback
	}
	return proto.RelayNodeInfo{
		RelayID:        s.id,
		Endpoints:      []netip.AddrPort{ep},
		Region:         s.cfg.Region,
		Capabilities:   caps,
		Load:           load,
		MaxSessions:    s.cfg.MaxTotalSessions,
		ActiveSessions: active,
		WebsocketURL:   wsURL,
		LastSeen:       s.clk.Now(),
	}
}

// Stats returns a snapshot of relay activity.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ActiveSessions = len(s.sessions)
	out.RegisteredPeers = len(s.peers)
	return out
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	ticker := s.clk.Ticker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

// reap expires idle and over-age sessions and stale presences.
func (s *Service) reap() {
	now := s.clk.Now()
	s.mu.Lock()
	expired := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		age := now.Sub(sess.created)
		sess.mu.Unlock()
		if idle > s.cfg.SessionIdleTimeout || age > s.cfg.SessionMaxAge {
			delete(s.sessions, id)
			delete(s.byPair, pairKey{sess.initiator, sess.target})
			expired++
			log.Debug().Uint64("session", id).Dur("idle", idle).
				Msg("relay session expired")
		}
	}
	for id, p := range s.peers {
		if now.Sub(p.seen) > s.cfg.PresenceTTL {
			delete(s.peers, id)
		}
	}
	active := len(s.sessions)
	s.mu.Unlock()

	if expired > 0 {
		s.m.SessionsExpired.Add(float64(expired))
	}
	s.m.SessionsActive.Set(float64(active))
	if s.cfg.MaxTotalSessions > 0 {
		s.m.Load.Set(float64(active * 100 / s.cfg.MaxTotalSessions))
	}
}

func (s *Service) announceLoop(ctx context.Context) {
	if len(s.cfg.AnnounceTargets) == 0 {
		<-ctx.Done()
		return
	}
	ticker := s.clk.Ticker(s.cfg.AnnounceInterval)
	defer ticker.Stop()
	s.announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	ann := &proto.RelayAnnouncement{Relay: s.NodeInfo(), Timestamp: s.clk.Now().Unix()}
	buf, err := proto.EncodeSignedMessage(ann, s.key)
	if err != nil {
		log.Error().Err(err).Msg("encode announcement")
		return
	}
	for _, target := range s.cfg.AnnounceTargets {
		ep, err := netip.ParseAddrPort(target)
		if err != nil {
			log.Warn().Str("target", target).Err(err).Msg("bad announce target")
			continue
		}
		if _, err := s.conn.WriteToUDPAddrPort(buf, ep); err != nil {
			log.Debug().Str("target", target).Err(err).Msg("announcement send failed")
		}
	}
}
