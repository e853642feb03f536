// Package eventbus implements typed publish/subscribe between workers with
// a bounded, persistable event history. Subscribers never receive their
// own publications and one failing subscriber never blocks the rest.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
)

const (
	// DefaultMaxHistory is the history length that triggers compaction.
	DefaultMaxHistory = 500
	// DefaultCompactTo is the number of most recent events kept after
	// compaction. Compacting in one pass avoids shifting the slice on
	// every publish once the cap is reached.
	DefaultCompactTo = 300

	// StateNamespace is the StateStore namespace used by Save/Restore.
	StateNamespace = "event_history"
)

// FailureRecorder is the slice of the circuit breaker the event bus
// depends on: delivery failures count against the subscriber's circuit.
type FailureRecorder interface {
	RecordFailure(agentID string)
}

type noRecorder struct{}

func (noRecorder) RecordFailure(string) {}

// Options configures a Bus.
type Options struct {
	// Health receives per-subscriber delivery failures. Defaults to a
	// recorder that discards them.
	Health FailureRecorder

	// Logger receives dispatch logs. Defaults to NoOp.
	Logger logging.Logger

	// StateStore persists the history across restarts. Nil disables
	// Save/Restore.
	StateStore core.StateStore

	// MaxHistory / CompactTo bound history retention.
	MaxHistory int
	CompactTo  int
}

// RecentFilter narrows the events returned by Recent.
type RecentFilter struct {
	// Type restricts to one event type. Empty matches all.
	Type core.EventType

	// Limit caps the number of returned events. Zero means DefaultLimit.
	Limit int
}

// DefaultLimit is the Recent result cap applied when none is given.
const DefaultLimit = 50

// Bus is the typed event bus.
type Bus struct {
	mu       sync.Mutex
	subs     map[core.EventType]map[string]struct{}
	history  []core.Event
	registry *core.Registry
	health   FailureRecorder
	store    core.StateStore
	log      logging.Logger
	maxH     int
	compact  int
}

// New creates a Bus resolving subscribers through the given registry.
func New(registry *core.Registry, optFns ...func(o *Options)) *Bus {
	opts := Options{
		Health:     noRecorder{},
		Logger:     logging.NoOpLogger{},
		MaxHistory: DefaultMaxHistory,
		CompactTo:  DefaultCompactTo,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Health == nil {
		opts.Health = noRecorder{}
	}

	return &Bus{
		subs:     make(map[core.EventType]map[string]struct{}),
		registry: registry,
		health:   opts.Health,
		store:    opts.StateStore,
		log:      logging.EnsureLogger(opts.Logger),
		maxH:     opts.MaxHistory,
		compact:  opts.CompactTo,
	}
}

// Subscribe registers the agent for one event type. Subscribing twice is
// a no-op.
func (b *Bus) Subscribe(agentID string, t core.EventType) error {
	if !t.Valid() {
		return fmt.Errorf("subscribe %s: invalid event type %q", agentID, t)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[t] == nil {
		b.subs[t] = make(map[string]struct{})
	}
	b.subs[t][agentID] = struct{}{}
	return nil
}

// Unsubscribe removes the agent from one event type.
func (b *Bus) Unsubscribe(agentID string, t core.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[t]; ok {
		delete(set, agentID)
	}
}

// RemoveAgent purges the agent from every event type's subscriber set.
// Called when a worker is deregistered from the system.
func (b *Bus) RemoveAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.subs {
		delete(set, agentID)
	}
}

// Subscribers returns the sorted subscriber IDs for an event type.
func (b *Bus) Subscribers(t core.EventType) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribersLocked(t)
}

func (b *Bus) subscribersLocked(t core.EventType) []string {
	ids := make([]string, 0, len(b.subs[t]))
	for id := range b.subs[t] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Publish creates an event, appends it to history and synchronously
// dispatches it to every subscriber of the type except the source agent.
// Each successful dispatch appends the subscriber to the event's consumer
// list; a failed dispatch counts against that subscriber's circuit and is
// logged without blocking delivery to the remaining subscribers.
//
// An event with zero subscribers is still recorded and returned with an
// empty consumer list.
func (b *Bus) Publish(ctx context.Context, t core.EventType, source string, payload map[string]any, priority core.Priority) (core.Event, error) {
	if !t.Valid() {
		return core.Event{}, fmt.Errorf("publish: invalid event type %q", t)
	}
	if !priority.Valid() {
		priority = core.PriorityNormal
	}

	ev := core.NewEvent(t, source, payload, priority)

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxH {
		kept := make([]core.Event, b.compact)
		copy(kept, b.history[len(b.history)-b.compact:])
		b.history = kept
		b.log.Debug("event history compacted", "kept", b.compact)
	}
	idx := len(b.history) - 1
	targets := b.subscribersLocked(t)
	b.mu.Unlock()

	for _, id := range targets {
		if id == source {
			continue
		}
		w, ok := b.registry.Get(id)
		if !ok {
			continue
		}
		if err := w.HandleEvent(ctx, ev); err != nil {
			b.health.RecordFailure(id)
			b.log.Warn("event delivery failed", "event_id", ev.ID, "type", t, "subscriber", id, "error", err)
			continue
		}
		ev.Consumers = append(ev.Consumers, id)
	}

	// The history entry may have moved if a concurrent publish compacted
	// the slice; locate it by ID before writing the consumer list back.
	b.mu.Lock()
	if idx < len(b.history) && b.history[idx].ID == ev.ID {
		b.history[idx].Consumers = ev.Consumers
	} else {
		for i := range b.history {
			if b.history[i].ID == ev.ID {
				b.history[i].Consumers = ev.Consumers
				break
			}
		}
	}
	b.mu.Unlock()

	return ev, nil
}

// Recent returns events most recent first, optionally filtered by type.
func (b *Bus) Recent(optFns ...func(f *RecentFilter)) []core.Event {
	filter := RecentFilter{Limit: DefaultLimit}
	for _, fn := range optFns {
		fn(&filter)
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]core.Event, 0, filter.Limit)
	for i := len(b.history) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		if filter.Type != "" && b.history[i].Type != filter.Type {
			continue
		}
		out = append(out, b.history[i])
	}
	return out
}

// Save persists the event history under the bus namespace.
func (b *Bus) Save(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	b.mu.Lock()
	events := make([]core.Event, len(b.history))
	copy(events, b.history)
	b.mu.Unlock()

	return b.store.Save(ctx, StateNamespace, map[string]any{"events": events})
}

// Restore replaces the history with the last saved snapshot. Subscriptions
// are runtime state and are not restored. A missing snapshot is not an
// error.
func (b *Bus) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	state, err := b.store.Load(ctx, StateNamespace)
	if err != nil {
		if err == core.ErrStateNotFound {
			return nil
		}
		return err
	}

	var events []core.Event
	if err := core.DecodeInto(state["events"], &events); err != nil {
		return fmt.Errorf("restore event history: %w", err)
	}

	b.mu.Lock()
	b.history = events
	b.mu.Unlock()
	return nil
}
