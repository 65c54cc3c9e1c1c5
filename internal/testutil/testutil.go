// Package testutil provides helpers shared by portal tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal.dev/go/portal/internal/events"
)

// WaitFor waits for a condition to be true
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for: %s", msg)
		case <-ticker.C:
		}
	}
}

// Never asserts that a condition stays false for the whole window.
func Never(t *testing.T, window time.Duration, condition func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if condition() {
			t.Fatalf("unexpected: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Recorded is one captured event.
type Recorded struct {
	Name string
	Data any
}

// Recorder captures every event published on a bus.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	cancel func()
}

// NewRecorder taps src until the test ends.
func NewRecorder(t *testing.T, src events.Tapper) *Recorder {
	r := &Recorder{}
	r.cancel = src.Tap(func(name string, data any) {
		r.mu.Lock()
		r.events = append(r.events, Recorded{Name: name, Data: data})
		r.mu.Unlock()
	})
	t.Cleanup(r.cancel)
	return r
}

// Count returns how many times name was published.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Last returns the data of the most recent event called name.
func (r *Recorder) Last(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i].Data, true
		}
	}
	return nil, false
}

// Names returns the names of all captured events in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}
	return names
}
