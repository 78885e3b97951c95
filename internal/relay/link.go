package relay

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// link is one way of getting datagrams to a relay: plain UDP, or binary
// websocket messages when the relay offers TCP fallback. The framing on
// top is identical.
type link interface {
	send(b []byte) error
	String() string
}

type udpLink struct {
	conn *net.UDPConn
	ep   netip.AddrPort
}

func (m *Manager) udpLink(ep netip.AddrPort) link {
	return &udpLink{conn: m.conn, ep: ep}
}

func (l *udpLink) send(b []byte) error {
	_, err := l.conn.WriteToUDPAddrPort(b, l.ep)
	return err
}

func (l *udpLink) String() string { return "udp://" + l.ep.String() }

type wsLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	url  string
}

func (l *wsLink) send(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (l *wsLink) String() string { return l.url }

// dialWebsocket opens the TCP fallback transport to a relay and starts a
// read pump feeding the shared datagram handler.
func (m *Manager) dialWebsocket(ctx context.Context, url string) (link, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ResponseTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay websocket: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	l := &wsLink{conn: conn, url: url}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrManagerClosed
	}
	m.wsLinks = append(m.wsLinks, l)
	m.mu.Unlock()
	go m.wsReadPump(l)
	return l, nil
}

func (m *Manager) wsReadPump(l *wsLink) {
	defer l.conn.Close()
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			log.Debug().Str("url", l.url).Err(err).Msg("relay websocket closed")
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m.handleDatagram(data, l)
	}
}
