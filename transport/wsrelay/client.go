// Package wsrelay is a transport that reaches peers through a relay
// server over websockets. Each joined room is its own connection.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"portal.dev/go/portal/protocol"
	"portal.dev/go/portal/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
)

// Transport joins rooms on one relay under a fixed peer id.
type Transport struct {
	base   string
	peer   string
	dialer websocket.Dialer
}

// New returns a transport for the relay at baseURL (ws:// or wss://).
func New(baseURL, peerID string) *Transport {
	return &Transport{
		base: strings.TrimRight(baseURL, "/"),
		peer: peerID,
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Check implements transport.Checker.
func (t *Transport) Check() error {
	if t.peer == "" {
		return fmt.Errorf("%w: no peer id", transport.ErrUnavailable)
	}
	u, err := url.Parse(t.base)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: relay url must be ws:// or wss://, got %q", transport.ErrUnavailable, t.base)
	}
	return nil
}

// RoomURL returns the address used to join room.
func (t *Transport) RoomURL(room string) string {
	return t.base + "/rooms/" + url.PathEscape(room) + "?peer=" + url.QueryEscape(t.peer)
}

// Join connects to room and waits for the relay to accept the peer id.
func (t *Transport) Join(ctx context.Context, room string, events transport.Events) (transport.Session, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.RoomURL(room), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	joined, err := handshake(ctx, conn)
	if err != nil {
		conn.Close()
		var relayErr ErrorPayload
		if errors.As(err, &relayErr) && relayErr.Code == CodeDuplicatePeer {
			return nil, fmt.Errorf("join %s as %s: %w", room, t.peer, transport.ErrDuplicatePeer)
		}
		return nil, fmt.Errorf("join %s: %w", room, err)
	}

	s := &session{
		id:      t.peer,
		room:    room,
		conn:    conn,
		events:  events,
		members: make(map[string]bool, len(joined.Peers)),
	}
	for _, p := range joined.Peers {
		s.members[p] = true
	}

	slog.Debug("Relay room joined", "room", room, "peer", t.peer, "members", len(joined.Peers))
	go s.receiveLoop(joined.Peers)
	return s, nil
}

func handshake(ctx context.Context, conn *websocket.Conn) (Joined, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return Joined{}, fmt.Errorf("read joined frame: %w", err)
	}

	switch f.Type {
	case TypeJoined:
		var j Joined
		if err := f.Decode(&j); err != nil {
			return Joined{}, err
		}
		return j, nil
	case TypeError:
		var e ErrorPayload
		if err := f.Decode(&e); err != nil {
			return Joined{}, err
		}
		return Joined{}, e
	default:
		return Joined{}, fmt.Errorf("expected joined frame, got %s", f.Type)
	}
}

type session struct {
	id     string
	room   string
	conn   *websocket.Conn
	events transport.Events

	writeMu sync.Mutex

	mu      sync.Mutex
	members map[string]bool

	closed atomic.Bool
}

func (s *session) ID() string { return s.id }

func (s *session) Send(to string, env protocol.Envelope) error {
	if s.closed.Load() {
		return transport.ErrClosed
	}

	s.mu.Lock()
	known := s.members[to]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("send to %s: %w", to, transport.ErrUnknownPeer)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	f, err := NewFrame(TypeSend, Message{To: to, Envelope: raw})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Close leaves the room. No further events are delivered.
func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}

func (s *session) receiveLoop(initial []string) {
	defer s.dropped()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	s.events.RoomJoined()
	for _, p := range initial {
		s.events.PeerJoined(p)
	}

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !s.closed.Load() {
				slog.Warn("Relay connection lost", "room", s.room, "error", err)
			}
			return
		}
		if s.closed.Load() {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(f)
	}
}

func (s *session) handle(f Frame) {
	switch f.Type {
	case TypePeerJoined:
		var n PeerNotice
		if err := f.Decode(&n); err != nil || n.Peer == "" {
			return
		}
		s.mu.Lock()
		s.members[n.Peer] = true
		s.mu.Unlock()
		s.events.PeerJoined(n.Peer)

	case TypePeerLeft:
		var n PeerNotice
		if err := f.Decode(&n); err != nil {
			return
		}
		s.mu.Lock()
		_, ok := s.members[n.Peer]
		delete(s.members, n.Peer)
		s.mu.Unlock()
		if ok {
			s.events.PeerLeft(n.Peer)
		}

	case TypeMessage:
		var m Message
		if err := f.Decode(&m); err != nil {
			slog.Debug("Dropping relay message", "room", s.room, "error", err)
			return
		}
		env, err := protocol.Decode(m.Envelope)
		if err != nil {
			slog.Debug("Dropping relay message", "room", s.room, "from", m.From, "error", err)
			return
		}
		s.events.Deliver(m.From, env)

	case TypeError:
		var e ErrorPayload
		f.Decode(&e)
		slog.Debug("Relay reported an error", "room", s.room, "code", e.Code, "message", e.Message, "to", e.To)

	default:
		slog.Debug("Ignoring relay frame", "room", s.room, "type", f.Type)
	}
}

// dropped reports every remaining member as gone when the connection
// ends without Close.
func (s *session) dropped() {
	if s.closed.Swap(true) {
		return
	}
	s.conn.Close()

	s.mu.Lock()
	gone := make([]string, 0, len(s.members))
	for id := range s.members {
		gone = append(gone, id)
	}
	s.members = make(map[string]bool)
	s.mu.Unlock()

	sort.Strings(gone)
	for _, id := range gone {
		s.events.PeerLeft(id)
	}
}
