// Package channel tracks the rooms a portal instance has opened, their
// members, and which keys each room may write.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"portal.dev/go/portal/internal/conversation"
	"portal.dev/go/portal/internal/events"
	"portal.dev/go/portal/protocol"
	"portal.dev/go/portal/transport"
)

// DefaultJoinTimeout bounds how long a channel may stay Loading.
const DefaultJoinTimeout = 7 * time.Second

// Event names published by channels.
const (
	EventStarted          = "portal-channel-started"
	EventError            = "portal-channel-error"
	EventPeerConnected    = "portal-peer-connected"
	EventPeerDisconnected = "portal-peer-disconnected"
)

var (
	ErrExists   = errors.New("channel already open")
	ErrNotFound = errors.New("channel not found")
)

// Outcome is the data of EventStarted and EventError.
type Outcome struct {
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

// PeerEvent is the data of EventPeerConnected and EventPeerDisconnected.
type PeerEvent struct {
	Channel string `json:"channel"`
	Peer    string `json:"peer"`
}

// Listener receives membership changes and inbound messages of every
// channel in a registry.
type Listener interface {
	PeerJoined(p *Peer)
	PeerLeft(p *Peer)
	Deliver(p *Peer, env protocol.Envelope)
}

// Options configures a Registry.
type Options struct {
	JoinTimeout  time.Duration
	Clock        clock.Clock
	Conversation conversation.Options
}

// Registry owns every open channel.
type Registry struct {
	transport transport.Transport
	events    events.Publisher
	listener  Listener
	clock     clock.Clock
	timeout   time.Duration
	convOpts  conversation.Options

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates a registry that joins rooms through t.
func NewRegistry(t transport.Transport, pub events.Publisher, l Listener, opts Options) *Registry {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Conversation.Clock == nil {
		opts.Conversation.Clock = opts.Clock
	}
	return &Registry{
		transport: t,
		events:    pub,
		listener:  l,
		clock:     opts.Clock,
		timeout:   opts.JoinTimeout,
		convOpts:  opts.Conversation,
		channels:  make(map[string]*Channel),
	}
}

// Open starts joining room name. The outcome is announced with EventStarted
// or EventError; an error is returned only when the request could not be
// made, in which case EventError has already been published.
func (r *Registry) Open(ctx context.Context, name string, keys ...string) (*Channel, error) {
	r.mu.Lock()
	if _, ok := r.channels[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("open %s: %w", name, ErrExists)
	}
	c := newChannel(r, name, keys)
	r.channels[name] = c
	// Armed under the channel lock so RoomJoined always sees the timer.
	c.mu.Lock()
	c.timer = r.clock.AfterFunc(r.timeout, func() { c.fail(ErrJoinTimeout) })
	c.mu.Unlock()
	r.mu.Unlock()

	slog.Info("Opening channel", "channel", name, "keys", keys)

	session, err := r.transport.Join(ctx, name, c)
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	c.attach(session)
	return c, nil
}

// Close closes the channel called name.
func (r *Registry) Close(name string) error {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("close %s: %w", name, ErrNotFound)
	}
	c.Close()
	return nil
}

// CloseAll closes every channel.
func (r *Registry) CloseAll() {
	for _, c := range r.Channels() {
		c.Close()
	}
}

// Get returns the open channel called name.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[name]
	return c, ok
}

// Channels returns the open channels sorted by name.
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// TargetsFor returns the peers of every live channel that permits key, and
// whether any channel permits it at all.
func (r *Registry) TargetsFor(key string) ([]*Peer, bool) {
	var (
		targets   []*Peer
		permitted bool
	)
	for _, c := range r.Channels() {
		if !c.Permits(key) {
			continue
		}
		c.mu.Lock()
		live := c.state == Loading || c.state == Joined
		if live {
			targets = append(targets, c.peersLocked()...)
		}
		c.mu.Unlock()
		if live {
			permitted = true
		}
	}
	return targets, permitted
}

func (r *Registry) remove(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[c.name] == c {
		delete(r.channels, c.name)
	}
}

func (r *Registry) publishOutcome(name, channel string, err error) {
	out := Outcome{Channel: channel}
	if err != nil {
		out.Error = err.Error()
	}
	r.events.Publish(name, out)
}

func (r *Registry) publishPeer(name string, ref PeerRef) {
	r.events.Publish(name, PeerEvent{Channel: ref.Channel, Peer: ref.ID})
}
