// Package portal is a peer-replicated key/value store. Peers meet in named
// channels provided by a transport; a write commits only after every peer
// allowed to see its key has acknowledged it.
//
// All outcomes are reported as events on the instance's bus:
//
//	sys := portal.New(memory.NewHub().Node("A"), portal.DefaultOptions())
//	sys.Subscribe("score", func(v any) { fmt.Println("score is", v) })
//	sys.Start(ctx)
//	sys.OpenChannel(ctx, "alpha", "score")
//	sys.Write("score", 42)
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"portal.dev/go/portal/internal/channel"
	"portal.dev/go/portal/internal/conversation"
	"portal.dev/go/portal/internal/events"
	"portal.dev/go/portal/internal/replication"
	"portal.dev/go/portal/internal/store"
	"portal.dev/go/portal/internal/telemetry"
	"portal.dev/go/portal/protocol"
	"portal.dev/go/portal/transport"
)

// Event names.
const (
	EventStarted          = "portal-started"
	EventError            = "portal-error"
	EventChannelStarted   = channel.EventStarted
	EventChannelError     = channel.EventError
	EventPeerConnected    = channel.EventPeerConnected
	EventPeerDisconnected = channel.EventPeerDisconnected
	EventWriteAborted     = replication.EventAborted
)

var (
	// ErrTransportUnavailable is returned by Start when the transport
	// cannot be used. EventError has been published.
	ErrTransportUnavailable = errors.New("transport unavailable")

	ErrNotStarted = errors.New("portal not started")
	ErrClosed     = errors.New("portal closed")
)

type (
	Handler        = events.Handler
	SubscriptionID = events.SubscriptionID
	TapFunc        = events.TapFunc
	Operation      = replication.Info
	ChannelOutcome = channel.Outcome
	PeerEvent      = channel.PeerEvent
	WriteAborted   = replication.Abort
)

// StartError is the data of EventError.
type StartError struct {
	Err     string `json:"err"`
	Message string `json:"msg"`
}

// Options tunes a System. Zero fields take their defaults.
type Options struct {
	JoinTimeout      time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	LivenessInterval time.Duration

	// Clock drives every timer; tests substitute a mock.
	Clock clock.Clock

	// Metrics, when set, records protocol counters.
	Metrics *telemetry.Metrics
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		JoinTimeout:      channel.DefaultJoinTimeout,
		RequestTimeout:   conversation.DefaultTimeout,
		WriteTimeout:     replication.DefaultWriteTimeout,
		LivenessInterval: replication.DefaultLivenessInterval,
	}
}

// System is one portal instance. Instances share nothing.
type System struct {
	bus       *events.Bus
	store     *store.Store
	channels  *channel.Registry
	engine    *replication.Engine
	transport transport.Transport
	opts      Options

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// New creates a System that reaches peers through t.
func New(t transport.Transport, opts Options) *System {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &System{
		bus:       events.NewBus(),
		store:     store.New(),
		transport: t,
		opts:      opts,
	}
	s.channels = channel.NewRegistry(t, s.bus, &router{sys: s}, channel.Options{
		JoinTimeout: opts.JoinTimeout,
		Clock:       opts.Clock,
		Conversation: conversation.Options{
			Timeout: opts.RequestTimeout,
			Clock:   opts.Clock,
			Metrics: opts.Metrics,
		},
	})
	s.engine = replication.New(s.store, membership{s.channels}, s.bus, replication.Options{
		WriteTimeout:     opts.WriteTimeout,
		LivenessInterval: opts.LivenessInterval,
		Clock:            opts.Clock,
		Metrics:          opts.Metrics,
	})
	return s
}

// Start verifies the transport and begins the liveness check. A missing or
// unusable transport publishes EventError once and is not retried.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}

	if err := s.checkTransport(); err != nil {
		s.mu.Unlock()
		slog.Error("Transport unavailable", "error", err)
		s.bus.Publish(EventError, StartError{Err: "transport", Message: err.Error()})
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	s.engine.Start(ctx)
	slog.Info("Portal started")
	s.bus.Publish(EventStarted, nil)
	return nil
}

func (s *System) checkTransport() error {
	if s.transport == nil {
		return transport.ErrUnavailable
	}
	if c, ok := s.transport.(transport.Checker); ok {
		return c.Check()
	}
	return nil
}

// Close closes every channel and abandons in-flight writes.
func (s *System) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.channels.CloseAll()
	s.engine.Close()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *System) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.started:
		return ErrNotStarted
	}
	return nil
}

// OpenChannel starts joining the room name. When keys are given only those
// keys may be written through the channel. Whether the join succeeds is
// reported by EventChannelStarted or EventChannelError.
func (s *System) OpenChannel(ctx context.Context, name string, keys ...string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.channels.Open(ctx, name, keys...)
	return err
}

// CloseChannel leaves the room name.
func (s *System) CloseChannel(name string) error {
	return s.channels.Close(name)
}

// Write proposes value under key. The write is applied once every peer
// allowed to see key acknowledges it; the key's event fires at that point.
// Writes to keys no channel permits, or to a key already in flight, are
// dropped without error.
func (s *System) Write(key string, value any) error {
	if err := s.ready(); err != nil {
		return err
	}
	raw, err := protocol.Marshal(value)
	if err != nil {
		return err
	}
	s.engine.Propose(key, raw)
	return nil
}

// Get returns the committed value of key.
func (s *System) Get(key string) (json.RawMessage, bool) {
	return s.store.Get(key)
}

// Keys returns the committed keys in sorted order.
func (s *System) Keys() []string {
	return s.store.Keys()
}

// Snapshot returns every committed entry.
func (s *System) Snapshot() map[string]json.RawMessage {
	return s.store.Snapshot()
}

// SetLocal stores a value that peers can read but that is not replicated.
func (s *System) SetLocal(key string, value any) error {
	raw, err := protocol.Marshal(value)
	if err != nil {
		return err
	}
	s.store.SetLocal(key, raw)
	return nil
}

// GetLocal returns a value set with SetLocal.
func (s *System) GetLocal(key string) (json.RawMessage, bool) {
	return s.store.GetLocal(key)
}

// FetchLocal asks peer in channel for its local value of key. An absent
// value comes back as JSON null, so it cannot be told apart from a value
// the peer set to null.
func (s *System) FetchLocal(ctx context.Context, channelName, peer, key string) (json.RawMessage, error) {
	c, ok := s.channels.Get(channelName)
	if !ok {
		return nil, fmt.Errorf("fetch from %s: %w", channelName, channel.ErrNotFound)
	}
	p, ok := c.Peer(peer)
	if !ok {
		return nil, fmt.Errorf("fetch from %s/%s: %w", channelName, peer, transport.ErrUnknownPeer)
	}
	return p.Request(ctx, protocol.NewPersonalData(key))
}

// Subscribe registers h for events called name. Committed writes are
// published under their key, on the same bus as the lifecycle events, so a
// key named like one of the Event constants shares its subscribers.
func (s *System) Subscribe(name string, h Handler) SubscriptionID {
	return s.bus.Subscribe(name, h)
}

// Unsubscribe removes a subscription.
func (s *System) Unsubscribe(name string, id SubscriptionID) bool {
	return s.bus.Unsubscribe(name, id)
}

// Tap observes every event. The returned func stops it.
func (s *System) Tap(fn TapFunc) (cancel func()) {
	return s.bus.Tap(fn)
}

// ChannelInfo describes an open channel.
type ChannelInfo struct {
	Name          string   `json:"name"`
	State         string   `json:"state"`
	PermittedKeys []string `json:"permitted_keys,omitempty"`
	Peers         []string `json:"peers"`
	LocalID       string   `json:"local_id,omitempty"`
}

// Channels lists the open channels.
func (s *System) Channels() []ChannelInfo {
	chans := s.channels.Channels()
	out := make([]ChannelInfo, 0, len(chans))
	for _, c := range chans {
		info := ChannelInfo{
			Name:          c.Name(),
			State:         c.State().String(),
			PermittedKeys: c.PermittedKeys(),
			Peers:         []string{},
			LocalID:       c.LocalID(),
		}
		for _, p := range c.Peers() {
			info.Peers = append(info.Peers, p.ID())
		}
		out = append(out, info)
	}
	return out
}

// Pending lists writes that have not yet committed or aborted.
func (s *System) Pending() []Operation {
	return s.engine.Pending()
}
