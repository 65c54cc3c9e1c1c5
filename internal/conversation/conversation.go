// Package conversation turns a one-way peer transport into a
// request/response primitive keyed by correlation id.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"portal.dev/go/portal/internal/telemetry"
	"portal.dev/go/portal/protocol"
)

// DefaultTimeout bounds how long a request waits for its response.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNoResponse resolves a request whose response never arrived.
	ErrNoResponse = errors.New("no response")

	// ErrClosed resolves requests still pending when the peer goes away.
	ErrClosed = errors.New("conversation closed")
)

// SendFunc transmits one envelope to the remote peer.
type SendFunc func(env protocol.Envelope) error

// Reply is the outcome of a request.
type Reply struct {
	Payload json.RawMessage
	Err     error
}

// Options configures a Conversation.
type Options struct {
	Timeout time.Duration
	Clock   clock.Clock
	NewID   func() string
	Metrics *telemetry.Metrics
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Conversation tracks the open requests to one peer.
type Conversation struct {
	peer string
	send SendFunc
	opts Options

	mu      sync.Mutex
	pending map[string]*Call
	closed  bool
}

// New creates a conversation with peer that transmits through send.
func New(peer string, send SendFunc, opts Options) *Conversation {
	opts.setDefaults()
	return &Conversation{
		peer:    peer,
		send:    send,
		opts:    opts,
		pending: make(map[string]*Call),
	}
}

// Call is the handle of one outstanding request.
type Call struct {
	id     string
	done   chan struct{}
	reply  Reply
	onDone func(Reply)
	timer  *clock.Timer
}

// ID returns the correlation id of the request.
func (c *Call) ID() string { return c.id }

// Done is closed once the call has resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Reply returns the outcome, and false while the call is still open.
func (c *Call) Reply() (Reply, bool) {
	select {
	case <-c.done:
		return c.reply, true
	default:
		return Reply{}, false
	}
}

// Wait blocks until the call resolves or ctx ends.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.reply.Payload, c.reply.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) complete(r Reply) {
	c.reply = r
	close(c.done)
	if c.onDone != nil {
		c.onDone(r)
	}
}

// Send transmits payload as a new request. onDone, if set, runs exactly
// once when the call resolves with a response, ErrNoResponse or ErrClosed.
// When Send returns an error the request was never registered and onDone
// is not called.
func (c *Conversation) Send(payload json.RawMessage, onDone func(Reply)) (*Call, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.nextIDLocked()
	call := &Call{
		id:     id,
		done:   make(chan struct{}),
		onDone: onDone,
	}
	c.pending[id] = call
	call.timer = c.opts.Clock.AfterFunc(c.opts.Timeout, func() { c.expire(call) })
	c.mu.Unlock()

	if err := c.send(protocol.Envelope{CorrelationID: id, Payload: payload}); err != nil {
		if !c.take(call) {
			// Already resolved by the timer; onDone has run.
			return call, nil
		}
		call.timer.Stop()
		return nil, fmt.Errorf("send to %s: %w", c.peer, err)
	}
	return call, nil
}

// Resolve completes the request matching env's correlation id. It reports
// false when no such request is open, including repeated deliveries.
func (c *Conversation) Resolve(env protocol.Envelope) bool {
	c.mu.Lock()
	call, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	call.timer.Stop()
	call.complete(Reply{Payload: env.Payload})
	return true
}

// Respond answers a request received from the peer.
func (c *Conversation) Respond(correlationID string, payload json.RawMessage) error {
	if err := c.send(protocol.Envelope{CorrelationID: correlationID, Payload: payload}); err != nil {
		return fmt.Errorf("respond to %s: %w", c.peer, err)
	}
	return nil
}

// Pending returns the number of open requests.
func (c *Conversation) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close resolves every open request with ErrClosed and rejects new ones.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := c.pending
	c.pending = make(map[string]*Call)
	c.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.complete(Reply{Err: ErrClosed})
	}
}

func (c *Conversation) expire(call *Call) {
	if !c.take(call) {
		return
	}
	c.opts.Metrics.RequestTimedOut()
	slog.Debug("Request timed out", "peer", c.peer, "id", call.id, "timeout", c.opts.Timeout)
	call.complete(Reply{Err: ErrNoResponse})
}

// take removes call from the pending table if it is still there.
func (c *Conversation) take(call *Call) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[call.id] != call {
		return false
	}
	delete(c.pending, call.id)
	return true
}

func (c *Conversation) nextIDLocked() string {
	for {
		id := c.opts.NewID()
		if _, taken := c.pending[id]; !taken {
			return id
		}
	}
}
