// Package replication implements unanimous-quorum writes: a proposal is
// pushed to every peer allowed to see the key, and commits once each of
// them has acknowledged it.
package replication

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"portal.dev/go/portal/internal/channel"
	"portal.dev/go/portal/internal/conversation"
	"portal.dev/go/portal/internal/events"
	"portal.dev/go/portal/internal/store"
	"portal.dev/go/portal/internal/telemetry"
	"portal.dev/go/portal/protocol"
)

const (
	// DefaultWriteTimeout is how long an operation may wait for quorum.
	DefaultWriteTimeout = 30 * time.Second

	// DefaultLivenessInterval is how often unacknowledged targets are
	// re-sent their proposal.
	DefaultLivenessInterval = 2 * time.Second
)

// EventAborted is published when an operation is abandoned.
const EventAborted = "portal-write-aborted"

// Abort reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonNoTargets  = "no-targets"
	ReasonOriginLeft = "origin-left"
	ReasonClosed     = "closed"
)

// Drop reasons, recorded in metrics only.
const (
	dropDuplicate    = "duplicate"
	dropNotPermitted = "not-permitted"
	dropSuperseded   = "superseded"
)

// Peer is a replication target.
type Peer interface {
	Ref() channel.PeerRef
	Call(payload json.RawMessage, onDone func(conversation.Reply)) error
}

// Membership resolves which peers must acknowledge a write to key, and
// whether any channel permits key at all.
type Membership interface {
	TargetsFor(key string) ([]Peer, bool)
}

// Abort is the data of EventAborted.
type Abort struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Options configures an Engine.
type Options struct {
	WriteTimeout     time.Duration
	LivenessInterval time.Duration
	Clock            clock.Clock
	NewID            func() string
	Metrics          *telemetry.Metrics
}

func (o *Options) setDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = DefaultLivenessInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Engine tracks in-flight operations and decides when they commit.
type Engine struct {
	store   *store.Store
	members Membership
	events  events.Publisher
	opts    Options

	mu    sync.Mutex
	byID  map[string]*operation
	byKey map[string]*operation

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an engine that commits into s.
func New(s *store.Store, m Membership, pub events.Publisher, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		store:   s,
		members: m,
		events:  pub,
		opts:    opts,
		byID:    make(map[string]*operation),
		byKey:   make(map[string]*operation),
		stop:    make(chan struct{}),
	}
}

// Start runs the liveness check until ctx ends or Close is called.
func (e *Engine) Start(ctx context.Context) {
	ticker := e.opts.Clock.Ticker(e.opts.LivenessInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.checkLiveness()
			}
		}
	}()
}

// Close stops the liveness check and aborts every open operation.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })

	e.mu.Lock()
	var after []func()
	for _, op := range e.byID {
		after = append(after, e.abortLocked(op, ReasonClosed))
	}
	e.mu.Unlock()

	run(after)
}

// Propose starts replicating value under key. It returns the operation id
// and true when an operation was created. Writes to keys no channel
// permits, and writes to keys already in flight, are dropped silently.
func (e *Engine) Propose(key string, value json.RawMessage) (string, bool) {
	e.mu.Lock()
	if _, busy := e.byKey[key]; busy {
		e.mu.Unlock()
		e.opts.Metrics.Dropped(dropDuplicate)
		slog.Debug("Write dropped, key already in flight", "key", key)
		return "", false
	}

	// Targets are read under the engine lock so a departure cannot slip
	// between the snapshot and the operation being registered.
	targets, permitted := e.members.TargetsFor(key)
	if !permitted {
		e.mu.Unlock()
		e.opts.Metrics.Dropped(dropNotPermitted)
		slog.Debug("Write dropped, key not permitted", "key", key)
		return "", false
	}

	op := newOperation(e.nextIDLocked(), key, value, e.opts.Clock.Now())
	e.opts.Metrics.Proposed()

	if len(targets) == 0 {
		e.mu.Unlock()
		e.opts.Metrics.Aborted(ReasonNoTargets)
		slog.Info("Write aborted, no peers to replicate to", "key", key, "op", op.id)
		e.events.Publish(EventAborted, Abort{ID: op.id, Key: key, Reason: ReasonNoTargets})
		return op.id, false
	}

	for _, p := range targets {
		op.targets[p.Ref()] = p
		op.inflight[p.Ref()] = true
	}
	op.status = Collecting
	e.track(op)
	e.mu.Unlock()

	slog.Debug("Write proposed", "key", key, "op", op.id, "targets", len(targets))
	for _, p := range targets {
		e.push(op, p)
	}
	return op.id, true
}

// HandlePush records a proposal received from a peer. The caller has
// already checked the key against the channel's permissions and
// acknowledges the push regardless of the result.
//
// A peer has at most one proposal per key in flight, so a push from the
// same origin under a new id supersedes the one being tracked: the origin
// has given up on it.
func (e *Engine) HandlePush(from Peer, push protocol.Push) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.byID[push.ID]; dup {
		return false
	}
	if cur, busy := e.byKey[push.Key]; busy {
		if !cur.remote || cur.origin != from.Ref() {
			slog.Debug("Remote proposal for key already in flight", "key", push.Key, "op", push.ID, "peer", from.Ref())
			return false
		}
		slog.Debug("Remote proposal superseded", "key", push.Key, "op", cur.id, "by", push.ID, "peer", from.Ref())
		cur.status = Aborted
		e.untrack(cur)
		e.opts.Metrics.Dropped(dropSuperseded)
	}

	op := newOperation(push.ID, push.Key, push.Data, e.opts.Clock.Now())
	op.remote = true
	op.origin = from.Ref()
	op.status = Proposed
	e.track(op)

	slog.Debug("Tracking remote proposal", "key", push.Key, "op", push.ID, "peer", from.Ref())
	return true
}

// HandleComplete commits the remote operation id on the word of the peer
// that proposed it. It reports whether such an operation was found.
func (e *Engine) HandleComplete(from channel.PeerRef, id string) bool {
	e.mu.Lock()
	op, ok := e.byID[id]
	if !ok || !op.remote || op.origin != from {
		e.mu.Unlock()
		return false
	}
	after := e.commitLocked(op)
	e.mu.Unlock()

	after()
	return true
}

// RemovePeer drops a departed peer from every operation, committing those
// whose remaining targets have all acknowledged.
func (e *Engine) RemovePeer(ref channel.PeerRef) {
	e.mu.Lock()
	var after []func()
	for _, op := range e.byID {
		if op.remote {
			if op.origin == ref {
				after = append(after, e.abortLocked(op, ReasonOriginLeft))
			}
			continue
		}
		if _, ok := op.targets[ref]; !ok {
			continue
		}
		delete(op.targets, ref)
		delete(op.acked, ref)
		delete(op.inflight, ref)

		switch {
		case len(op.targets) == 0:
			after = append(after, e.abortLocked(op, ReasonNoTargets))
		case op.ready():
			after = append(after, e.commitLocked(op))
		}
	}
	e.mu.Unlock()

	run(after)
}

// Pending returns the open operations sorted by key.
func (e *Engine) Pending() []Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Info, 0, len(e.byID))
	for _, op := range e.byID {
		out = append(out, op.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (e *Engine) push(op *operation, p Peer) {
	ref := p.Ref()
	payload := protocol.NewPush(op.id, op.key, op.value)
	err := p.Call(payload, func(r conversation.Reply) {
		e.handleReply(op.id, ref, r)
	})
	if err != nil {
		e.handleReply(op.id, ref, conversation.Reply{Err: err})
	}
}

func (e *Engine) handleReply(id string, ref channel.PeerRef, r conversation.Reply) {
	e.mu.Lock()
	op, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if _, target := op.targets[ref]; !target {
		e.mu.Unlock()
		return
	}
	delete(op.inflight, ref)

	if r.Err != nil || !protocol.IsAck(r.Payload) {
		e.mu.Unlock()
		slog.Debug("Proposal not acknowledged", "op", id, "peer", ref, "error", r.Err)
		return
	}

	op.acked[ref] = true
	var after func()
	if op.ready() {
		after = e.commitLocked(op)
	}
	e.mu.Unlock()

	if after != nil {
		after()
	}
}

// checkLiveness re-sends the proposal to targets that have neither
// acknowledged nor have a request outstanding.
func (e *Engine) checkLiveness() {
	type resend struct {
		op   *operation
		peer Peer
	}

	e.mu.Lock()
	var work []resend
	for _, op := range e.byID {
		if op.remote {
			continue
		}
		for ref, p := range op.targets {
			if op.acked[ref] || op.inflight[ref] {
				continue
			}
			op.inflight[ref] = true
			work = append(work, resend{op: op, peer: p})
		}
	}
	e.mu.Unlock()

	for _, w := range work {
		slog.Debug("Re-sending proposal", "op", w.op.id, "peer", w.peer.Ref())
		e.push(w.op, w.peer)
	}
}

func (e *Engine) expire(id string) {
	e.mu.Lock()
	op, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	after := e.abortLocked(op, ReasonTimeout)
	e.mu.Unlock()

	after()
}

func (e *Engine) track(op *operation) {
	e.byID[op.id] = op
	e.byKey[op.key] = op
	op.timer = e.opts.Clock.AfterFunc(e.opts.WriteTimeout, func() { e.expire(op.id) })
	e.opts.Metrics.SetPending(len(e.byID))
}

func (e *Engine) untrack(op *operation) {
	if op.timer != nil {
		op.timer.Stop()
	}
	delete(e.byID, op.id)
	if e.byKey[op.key] == op {
		delete(e.byKey, op.key)
	}
	e.opts.Metrics.SetPending(len(e.byID))
}

// commitLocked applies op to the store and returns the notifications to
// run once the lock is released.
func (e *Engine) commitLocked(op *operation) func() {
	op.status = Committed
	e.untrack(op)
	e.store.Commit(op.key, op.value)
	e.opts.Metrics.Committed()

	notify := make([]Peer, 0, len(op.acked))
	for ref := range op.acked {
		notify = append(notify, op.targets[ref])
	}
	key, value, id := op.key, op.value, op.id

	return func() {
		slog.Info("Write committed", "key", key, "op", id, "peers", len(notify))
		e.events.Publish(key, value)
		complete := protocol.NewComplete(id)
		for _, p := range notify {
			if err := p.Call(complete, nil); err != nil {
				slog.Debug("Commit notice not sent", "op", id, "peer", p.Ref(), "error", err)
			}
		}
	}
}

func (e *Engine) abortLocked(op *operation, reason string) func() {
	op.status = Aborted
	e.untrack(op)
	e.opts.Metrics.Aborted(reason)

	ev := Abort{ID: op.id, Key: op.key, Reason: reason}
	return func() {
		slog.Info("Write aborted", "key", ev.Key, "op", ev.ID, "reason", reason)
		e.events.Publish(EventAborted, ev)
	}
}

func (e *Engine) nextIDLocked() string {
	for {
		id := e.opts.NewID()
		if _, taken := e.byID[id]; !taken {
			return id
		}
	}
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
