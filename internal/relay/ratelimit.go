package relay

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrGlobalLimit   = errors.New("global rate limit exceeded")
	ErrPeerLimit     = errors.New("peer rate limit exceeded")
)

// Limits bounds how much traffic the relay forwards.
type Limits struct {
	// Per-connection
	PeerFramesPerSecond float64
	PeerBurst           int

	// Across every connection
	GlobalFramesPerSecond float64
	GlobalBurst           int

	MaxFrameSize int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		PeerFramesPerSecond:   50,
		PeerBurst:             100,
		GlobalFramesPerSecond: 2000,
		GlobalBurst:           4000,
		MaxFrameSize:          512 * 1024,
	}
}

// RateLimiter applies Limits to inbound frames.
type RateLimiter struct {
	limits Limits
	global *rate.Limiter
	peers  sync.Map // connection key -> *rate.Limiter

	mu      sync.Mutex
	dropped map[string]int64
}

// NewRateLimiter creates a limiter. Zero fields of limits take defaults.
func NewRateLimiter(limits Limits) *RateLimiter {
	def := DefaultLimits()
	if limits.PeerFramesPerSecond <= 0 {
		limits.PeerFramesPerSecond = def.PeerFramesPerSecond
	}
	if limits.PeerBurst <= 0 {
		limits.PeerBurst = def.PeerBurst
	}
	if limits.GlobalFramesPerSecond <= 0 {
		limits.GlobalFramesPerSecond = def.GlobalFramesPerSecond
	}
	if limits.GlobalBurst <= 0 {
		limits.GlobalBurst = def.GlobalBurst
	}
	if limits.MaxFrameSize <= 0 {
		limits.MaxFrameSize = def.MaxFrameSize
	}

	return &RateLimiter{
		limits:  limits,
		global:  rate.NewLimiter(rate.Limit(limits.GlobalFramesPerSecond), limits.GlobalBurst),
		dropped: make(map[string]int64),
	}
}

// Limits returns the effective limits.
func (rl *RateLimiter) Limits() Limits {
	return rl.limits
}

// Allow checks whether a frame of size bytes from peer may be forwarded.
func (rl *RateLimiter) Allow(peer string, size int) error {
	if size > rl.limits.MaxFrameSize {
		rl.recordDrop(peer)
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, rl.limits.MaxFrameSize)
	}
	if !rl.global.Allow() {
		rl.recordDrop(peer)
		return ErrGlobalLimit
	}
	if !rl.peerLimiter(peer).Allow() {
		rl.recordDrop(peer)
		return ErrPeerLimit
	}
	return nil
}

func (rl *RateLimiter) peerLimiter(peer string) *rate.Limiter {
	if l, ok := rl.peers.Load(peer); ok {
		return l.(*rate.Limiter)
	}
	l, _ := rl.peers.LoadOrStore(peer, rate.NewLimiter(
		rate.Limit(rl.limits.PeerFramesPerSecond),
		rl.limits.PeerBurst,
	))
	return l.(*rate.Limiter)
}

func (rl *RateLimiter) recordDrop(peer string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.dropped[peer]++
}

// RemovePeer forgets the limiter and drop count of a closed connection.
func (rl *RateLimiter) RemovePeer(peer string) {
	rl.peers.Delete(peer)
	rl.mu.Lock()
	delete(rl.dropped, peer)
	rl.mu.Unlock()
}

// DropCount returns how many frames from peer were refused.
func (rl *RateLimiter) DropCount(peer string) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.dropped[peer]
}
