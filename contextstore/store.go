// Package contextstore implements the provenance-tagged shared key/value
// blackboard that workflow steps and team members read and write across
// their execution. Semantics are last-write-wins.
package contextstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
)

// StateNamespace is the StateStore namespace used by Save/Restore.
const StateNamespace = "shared_context"

// Entry is one shared fact with provenance.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options configures a Store.
type Options struct {
	// Logger receives mutation logs. Defaults to NoOp.
	Logger logging.Logger

	// StateStore persists entries across restarts. Nil disables
	// Save/Restore.
	StateStore core.StateStore

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// Store is the shared context blackboard.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	store   core.StateStore
	log     logging.Logger
	now     func() time.Time
}

// New creates an empty Store.
func New(optFns ...func(o *Options)) *Store {
	opts := Options{Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{
		entries: make(map[string]Entry),
		store:   opts.StateStore,
		log:     logging.EnsureLogger(opts.Logger),
		now:     opts.Now,
	}
}

// Set upserts a key with provenance. Last write wins.
func (s *Store) Set(key string, value any, sourceAgent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Key: key, Value: value, UpdatedBy: sourceAgent, UpdatedAt: s.now()}
	s.log.Debug("context set", "key", key, "updated_by", sourceAgent)
}

// Get returns the value for a key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.Value, ok
}

// GetEntry returns the full entry for a key, including provenance.
func (s *Store) GetEntry(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// All returns a copy of the key/value view.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.Value
	}
	return out
}

// Clear deletes the given keys, or every entry when called without
// arguments.
func (s *Store) Clear(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(keys) == 0 {
		s.entries = make(map[string]Entry)
		return
	}
	for _, k := range keys {
		delete(s.entries, k)
	}
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Save persists the entries under the context namespace.
func (s *Store) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	return s.store.Save(ctx, StateNamespace, map[string]any{"entries": entries})
}

// Restore replaces the entries with the last saved snapshot. A missing
// snapshot is not an error.
func (s *Store) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.Load(ctx, StateNamespace)
	if err != nil {
		if err == core.ErrStateNotFound {
			return nil
		}
		return err
	}

	var entries []Entry
	if err := core.DecodeInto(snap["entries"], &entries); err != nil {
		return fmt.Errorf("restore shared context: %w", err)
	}

	s.mu.Lock()
	s.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		s.entries[e.Key] = e
	}
	s.mu.Unlock()
	return nil
}
