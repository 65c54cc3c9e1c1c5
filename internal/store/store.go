// Package store holds the committed replicated data of a portal instance
// and the local-only values that peers may read but never replicate.
package store

import (
	"encoding/json"
	"sort"
	"sync"

	"portal.dev/go/portal/protocol"
)

// Store is an in-memory pair of maps. Values are JSON documents and are
// copied on the way in and out.
type Store struct {
	mu    sync.RWMutex
	data  map[string]json.RawMessage
	local map[string]json.RawMessage
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data:  make(map[string]json.RawMessage),
		local: make(map[string]json.RawMessage),
	}
}

// Commit writes a replicated value. Only the replication engine calls this.
func (s *Store) Commit(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = clone(value)
}

// Get returns the committed value of key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Keys returns the committed keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of all committed entries.
func (s *Store) Snapshot() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(s.data))
	for k, v := range s.data {
		out[k] = clone(v)
	}
	return out
}

// SetLocal stores a value that is never replicated.
func (s *Store) SetLocal(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[key] = clone(value)
}

// GetLocal returns a local value.
func (s *Store) GetLocal(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.local[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// LocalReply is the response to a peer's personalData request: the local
// value, or protocol.Null when there is none. A value explicitly set to
// null reads the same as a missing one.
func (s *Store) LocalReply(key string) json.RawMessage {
	if v, ok := s.GetLocal(key); ok {
		return v
	}
	return protocol.Null
}

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}
