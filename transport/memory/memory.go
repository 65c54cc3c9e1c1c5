// Package memory is an in-process transport. Every peer of a Hub shares
// the same rooms, and deliveries to one session happen in order on a
// dedicated goroutine.
package memory

import (
	"context"
	"fmt"
	"sync"

	"portal.dev/go/portal/protocol"
	"portal.dev/go/portal/transport"
)

// Filter decides whether a message from one peer to another is delivered.
// Returning false drops it silently.
type Filter func(room, from, to string, env protocol.Envelope) bool

// Hub is a set of rooms shared by in-process peers.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[string]*session
	filter Filter
	hold   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*session),
	}
}

// SetFilter installs f for all subsequent sends. nil delivers everything.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// HoldJoins makes later joins wait forever for their room-joined signal.
func (h *Hub) HoldJoins(hold bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold = hold
}

// Members returns the peer ids present in room.
func (h *Hub) Members(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

// Kick removes a peer from a room as if its connection dropped.
func (h *Hub) Kick(room, id string) {
	h.mu.Lock()
	s := h.rooms[room][id]
	h.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Node returns the transport of one peer.
func (h *Hub) Node(id string) *Node {
	return &Node{hub: h, id: id}
}

// Node joins rooms of its hub under a fixed peer id.
type Node struct {
	hub *Hub
	id  string
}

// Check implements transport.Checker.
func (n *Node) Check() error {
	if n.hub == nil || n.id == "" {
		return transport.ErrUnavailable
	}
	return nil
}

// Join enters room and announces the peer to existing members.
func (n *Node) Join(ctx context.Context, room string, events transport.Events) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := n.hub
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*session)
		h.rooms[room] = members
	}
	if _, taken := members[n.id]; taken {
		h.mu.Unlock()
		return nil, fmt.Errorf("join %s as %s: %w", room, n.id, transport.ErrDuplicatePeer)
	}

	s := newSession(h, room, n.id, events)
	existing := make([]*session, 0, len(members))
	for _, m := range members {
		existing = append(existing, m)
	}
	members[n.id] = s
	hold := h.hold
	h.mu.Unlock()

	if !hold {
		s.enqueue(events.RoomJoined)
	}
	for _, m := range existing {
		peer := m.id
		s.enqueue(func() { events.PeerJoined(peer) })
		m.enqueue(func() { m.events.PeerJoined(n.id) })
	}

	go s.run()
	return s, nil
}

type session struct {
	hub    *Hub
	room   string
	id     string
	events transport.Events

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSession(h *Hub, room, id string, events transport.Events) *session {
	return &session{
		hub:    h,
		room:   room,
		id:     id,
		events: events,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Send queues env for delivery to the session of peer to.
func (s *session) Send(to string, env protocol.Envelope) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	h := s.hub
	h.mu.Lock()
	target := h.rooms[s.room][to]
	filter := h.filter
	h.mu.Unlock()

	if target == nil {
		return fmt.Errorf("send to %s: %w", to, transport.ErrUnknownPeer)
	}
	if filter != nil && !filter(s.room, s.id, to, env) {
		return nil
	}

	env = env.Clone()
	from := s.id
	target.enqueue(func() { target.events.Deliver(from, env) })
	return nil
}

// Close leaves the room and tells the remaining members.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	members := h.rooms[s.room]
	var remaining []*session
	if members[s.id] == s {
		delete(members, s.id)
		for _, m := range members {
			remaining = append(remaining, m)
		}
		if len(members) == 0 {
			delete(h.rooms, s.room)
		}
	}
	h.mu.Unlock()

	for _, m := range remaining {
		m.enqueue(func() { m.events.PeerLeft(s.id) })
	}
	return nil
}

func (s *session) enqueue(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			fn()
		}
	}
}
