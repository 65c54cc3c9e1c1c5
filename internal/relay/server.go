// Package relay is the room server behind the wsrelay transport. Peers
// connect to /rooms/{room}?peer={id}; the server tells each member who is
// present and forwards addressed envelopes between them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"portal.dev/go/portal/internal/logging"
	"portal.dev/go/portal/internal/telemetry"
	"portal.dev/go/portal/transport/wsrelay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Options configures a Server.
type Options struct {
	Limits  Limits
	Metrics *telemetry.Metrics

	// Logs, when set, is served at /logs.
	Logs *logging.Buffer
}

// Server tracks rooms and their connected members.
type Server struct {
	opts    Options
	limiter *RateLimiter

	mu    sync.Mutex
	rooms map[string]map[string]*conn
}

// NewServer creates an empty relay.
func NewServer(opts Options) *Server {
	return &Server{
		opts:    opts,
		limiter: NewRateLimiter(opts.Limits),
		rooms:   make(map[string]map[string]*conn),
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{room}", s.handleRoom)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	if s.opts.Logs != nil {
		mux.HandleFunc("GET /logs", s.handleLogs)
	}
	return mux
}

// Serve runs the relay on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	slog.Info("Relay listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	return nil
}

// Close disconnects every member.
func (s *Server) Close() {
	s.mu.Lock()
	var all []*conn
	for _, members := range s.rooms {
		for _, c := range members {
			all = append(all, c)
		}
	}
	s.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

// Rooms returns the names of rooms with at least one member.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Members returns the peer ids present in room.
func (s *Server) Members(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	peer := r.URL.Query().Get("peer")
	if room == "" || peer == "" {
		http.Error(w, "room and peer are required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := newConn(s, room, peer, ws)
	if !s.join(c) {
		c.reject(wsrelay.ErrorPayload{
			Code:    wsrelay.CodeDuplicatePeer,
			Message: fmt.Sprintf("peer %s is already in room %s", peer, room),
		})
		return
	}

	s.opts.Metrics.RelayConnected(1)
	go c.writePump()
	go c.readPump()
}

// join adds c to its room. The joined frame is queued before any other
// member can address c.
func (s *Server) join(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[c.room]
	if !ok {
		members = make(map[string]*conn)
	}
	if _, taken := members[c.id]; taken {
		return false
	}

	peers := make([]string, 0, len(members))
	for id := range members {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	c.queue(wsrelay.TypeJoined, wsrelay.Joined{Peer: c.id, Peers: peers})

	for _, m := range members {
		m.queue(wsrelay.TypePeerJoined, wsrelay.PeerNotice{Peer: c.id})
	}
	members[c.id] = c
	s.rooms[c.room] = members
	s.opts.Metrics.SetRelayRooms(len(s.rooms))

	slog.Info("Peer joined room", "room", c.room, "peer", c.id, "members", len(members))
	return true
}

func (s *Server) leave(c *conn) {
	s.mu.Lock()
	members := s.rooms[c.room]
	if members[c.id] != c {
		s.mu.Unlock()
		return
	}
	delete(members, c.id)
	for _, m := range members {
		m.queue(wsrelay.TypePeerLeft, wsrelay.PeerNotice{Peer: c.id})
	}
	if len(members) == 0 {
		delete(s.rooms, c.room)
	}
	s.opts.Metrics.SetRelayRooms(len(s.rooms))
	s.mu.Unlock()

	s.limiter.RemovePeer(c.key())
	s.opts.Metrics.RelayConnected(-1)
	slog.Info("Peer left room", "room", c.room, "peer", c.id)
}

// route forwards a send frame from c to its addressee.
func (s *Server) route(c *conn, m wsrelay.Message) {
	s.mu.Lock()
	target := s.rooms[c.room][m.To]
	s.mu.Unlock()

	if target == nil {
		c.queue(wsrelay.TypeError, wsrelay.ErrorPayload{
			Code:    wsrelay.CodeUnknownPeer,
			Message: "no such peer in room",
			To:      m.To,
		})
		return
	}
	target.queue(wsrelay.TypeMessage, wsrelay.Message{From: c.id, Envelope: m.Envelope})
	s.opts.Metrics.RelayFrame(wsrelay.TypeMessage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rooms := len(s.rooms)
	conns := 0
	for _, members := range s.rooms {
		conns += len(members)
	}
	s.mu.Unlock()

	jsonResponse(w, map[string]any{
		"status":      "ok",
		"rooms":       rooms,
		"connections": conns,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := logging.Query{Limit: 500}
	params := r.URL.Query()

	if level := params.Get("level"); level != "" {
		q.Level = strings.ToUpper(level)
	}
	if since := params.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = &t
		}
	}
	if limit := params.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 5000 {
			q.Limit = n
		}
	}

	entries := s.opts.Logs.Query(q)
	jsonResponse(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   s.opts.Logs.Count(),
	})
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
