package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"portal.dev/go/portal/internal/conversation"
	"portal.dev/go/portal/protocol"
	"portal.dev/go/portal/transport"
)

// State is the lifecycle stage of a channel.
type State int

const (
	Loading State = iota
	Joined
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Joined:
		return "joined"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrJoinTimeout fails a channel whose room was not joined in time.
	ErrJoinTimeout = errors.New("channel join timed out")

	// ErrClosedBeforeJoin fails a channel closed while still loading.
	ErrClosedBeforeJoin = errors.New("channel closed before join")

	// ErrNotJoined is returned when sending on a failed or closed channel.
	ErrNotJoined = errors.New("channel has no session")
)

// Channel is one joined (or joining) room.
type Channel struct {
	name      string
	permitted map[string]struct{}
	reg       *Registry

	mu      sync.Mutex
	state   State
	session transport.Session
	peers   map[string]*Peer
	timer   *clock.Timer

	// Sends made before the transport handed back the session.
	early []outbound
}

type outbound struct {
	to  string
	env protocol.Envelope
}

func newChannel(reg *Registry, name string, keys []string) *Channel {
	permitted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		permitted[k] = struct{}{}
	}
	return &Channel{
		name:      name,
		permitted: permitted,
		reg:       reg,
		state:     Loading,
		peers:     make(map[string]*Peer),
	}
}

func (c *Channel) Name() string { return c.name }

// State returns the current lifecycle stage.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Permits reports whether key may be written through this channel. A
// channel opened without keys is unrestricted.
func (c *Channel) Permits(key string) bool {
	if len(c.permitted) == 0 {
		return true
	}
	_, ok := c.permitted[key]
	return ok
}

// PermittedKeys returns the allowlist in sorted order, or nil when the
// channel is unrestricted.
func (c *Channel) PermittedKeys() []string {
	if len(c.permitted) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.permitted))
	for k := range c.permitted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Peers returns the current members sorted by id.
func (c *Channel) Peers() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peersLocked()
}

func (c *Channel) peersLocked() []*Peer {
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ref.ID < peers[j].ref.ID })
	return peers
}

// Peer returns the member with the given id.
func (c *Channel) Peer(id string) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[id]
	return p, ok
}

// LocalID returns this process's id in the room, if a session exists.
func (c *Channel) LocalID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID()
}

// Close releases the channel. Closing a loading channel fails it first, so
// the open still produces exactly one outcome event.
func (c *Channel) Close() {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return
	case Loading:
		c.state = Failed
		c.mu.Unlock()
		c.reg.publishOutcome(EventError, c.name, ErrClosedBeforeJoin)
	default:
		c.mu.Unlock()
	}
	c.shutdown()
}

// RoomJoined implements transport.Events.
func (c *Channel) RoomJoined() {
	c.mu.Lock()
	if c.state != Loading {
		c.mu.Unlock()
		return
	}
	c.state = Joined
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	slog.Info("Channel joined", "channel", c.name)
	c.reg.publishOutcome(EventStarted, c.name, nil)
}

// PeerJoined implements transport.Events.
func (c *Channel) PeerJoined(id string) {
	c.mu.Lock()
	if c.state == Failed || c.state == Closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.peers[id]; ok {
		c.mu.Unlock()
		return
	}
	p := &Peer{ref: PeerRef{Channel: c.name, ID: id}, channel: c}
	p.conv = conversation.New(p.ref.String(), func(env protocol.Envelope) error {
		return c.send(id, env)
	}, c.reg.convOpts)
	c.peers[id] = p
	c.mu.Unlock()

	slog.Debug("Peer connected", "channel", c.name, "peer", id)
	c.reg.listener.PeerJoined(p)
	c.reg.publishPeer(EventPeerConnected, p.ref)
}

// PeerLeft implements transport.Events.
func (c *Channel) PeerLeft(id string) {
	c.mu.Lock()
	p, ok := c.peers[id]
	if ok {
		delete(c.peers, id)
	}
	c.mu.Unlock()

	if ok {
		c.depart(p)
	}
}

// Deliver implements transport.Events.
func (c *Channel) Deliver(from string, env protocol.Envelope) {
	c.mu.Lock()
	p, ok := c.peers[from]
	c.mu.Unlock()

	if !ok {
		slog.Debug("Dropping message from unknown peer", "channel", c.name, "peer", from)
		return
	}
	c.reg.listener.Deliver(p, env)
}

func (c *Channel) depart(p *Peer) {
	slog.Debug("Peer disconnected", "channel", c.name, "peer", p.ref.ID)
	// Operations must drop the peer before its requests are failed.
	c.reg.listener.PeerLeft(p)
	p.conv.Close()
	c.reg.publishPeer(EventPeerDisconnected, p.ref)
}

func (c *Channel) send(to string, env protocol.Envelope) error {
	c.mu.Lock()
	if c.state == Closed || c.state == Failed {
		c.mu.Unlock()
		return ErrNotJoined
	}
	session := c.session
	if session == nil {
		c.early = append(c.early, outbound{to: to, env: env.Clone()})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return session.Send(to, env)
}

// attach records the session returned by the transport and flushes the
// sends made while Join was still running, in order. A channel that
// already failed releases it straight away.
func (c *Channel) attach(s transport.Session) {
	for {
		c.mu.Lock()
		if c.state == Failed || c.state == Closed {
			c.early = nil
			c.mu.Unlock()
			s.Close()
			return
		}
		queued := c.early
		c.early = nil
		if len(queued) == 0 {
			c.session = s
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for _, m := range queued {
			if err := s.Send(m.to, m.env); err != nil {
				slog.Debug("Queued send failed", "channel", c.name, "peer", m.to, "error", err)
			}
		}
	}
}

// fail moves a loading channel to Failed and then Closed.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.state != Loading {
		c.mu.Unlock()
		return
	}
	c.state = Failed
	c.mu.Unlock()

	slog.Warn("Channel failed", "channel", c.name, "error", err)
	c.reg.publishOutcome(EventError, c.name, err)
	c.shutdown()
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	if c.timer != nil {
		c.timer.Stop()
	}
	session := c.session
	c.session = nil
	c.early = nil
	peers := c.peersLocked()
	c.peers = make(map[string]*Peer)
	c.mu.Unlock()

	c.reg.remove(c)
	for _, p := range peers {
		c.depart(p)
	}
	if session != nil {
		if err := session.Close(); err != nil {
			slog.Debug("Session close failed", "channel", c.name, "error", err)
		}
	}
	slog.Info("Channel closed", "channel", c.name)
}
