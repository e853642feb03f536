package state

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcoord/core"
)

// InMemoryStore is a volatile StateStore keeping namespace snapshots in a
// process-local map. It is safe for concurrent access. Snapshots are
// shallow-copied on both save and load to prevent external mutation of
// internal state.
type InMemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]any
}

// NewInMemoryStore constructs an empty in-memory state store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{namespaces: make(map[string]map[string]any)}
}

// Load returns a copy of the saved state for a namespace.
func (s *InMemoryStore) Load(_ context.Context, namespace string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saved, ok := s.namespaces[namespace]
	if !ok {
		return nil, core.ErrStateNotFound
	}
	out := make(map[string]any, len(saved))
	for k, v := range saved {
		out[k] = v
	}
	return out, nil
}

// Save replaces the state for a namespace with a copy of the given map.
func (s *InMemoryStore) Save(_ context.Context, namespace string, state map[string]any) error {
	cp := make(map[string]any, len(state))
	for k, v := range state {
		cp[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces[namespace] = cp
	return nil
}
