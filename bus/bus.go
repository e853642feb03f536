// Package bus implements the priority message bus: point-to-point and
// broadcast delivery between workers with stable priority ordering, lazy
// TTL expiry and circuit-breaker gated routing.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/logging"
)

const (
	// DefaultMaxQueued is the queue length that triggers compaction.
	DefaultMaxQueued = 400
	// DefaultCompactTo is the number of most recent messages kept after
	// compaction.
	DefaultCompactTo = 200

	// StateNamespace is the StateStore namespace used by Save/Restore.
	StateNamespace = "message_bus"
)

// HealthView is the slice of the circuit breaker the bus depends on.
type HealthView interface {
	IsHealthy(agentID string) bool
	RecordFailure(agentID string)
}

// noHealth treats every agent as healthy and discards failure reports.
type noHealth struct{}

func (noHealth) IsHealthy(string) bool { return true }
func (noHealth) RecordFailure(string)  {}

// Options configures a Bus.
type Options struct {
	// Health gates direct delivery and receives delivery-failure reports.
	// Defaults to a view that treats every agent as healthy.
	Health HealthView

	// Logger receives delivery logs. Defaults to NoOp.
	Logger logging.Logger

	// StateStore persists the queue across restarts. Nil disables
	// Save/Restore.
	StateStore core.StateStore

	// MaxQueued / CompactTo bound queue retention.
	MaxQueued int
	CompactTo int

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// SendOptions carries the optional parameters of Send.
type SendOptions struct {
	// ReplyTo threads the message to an earlier message ID.
	ReplyTo string

	// TTL expires the message after the given duration. Zero means the
	// message never expires. Expiry is evaluated lazily during Receive.
	TTL time.Duration
}

// ReceiveFilter narrows the messages returned by Receive.
type ReceiveFilter struct {
	// Status restricts to one lifecycle status. Defaults to pending.
	Status core.MessageStatus

	// Type restricts to one message type. Empty matches all.
	Type string

	// Since restricts to messages created after the given time.
	Since time.Time

	// Limit caps the number of returned messages. Zero means no cap.
	Limit int
}

// Bus is the message bus. All mutations of the queue happen under a single
// mutex; delivery callbacks are invoked outside hot paths but failures are
// always contained per recipient.
type Bus struct {
	mu       sync.Mutex
	queue    []*core.Message
	registry *core.Registry
	health   HealthView
	store    core.StateStore
	log      logging.Logger
	maxQ     int
	compact  int
	now      func() time.Time
}

// New creates a Bus resolving recipients through the given registry.
func New(registry *core.Registry, optFns ...func(o *Options)) *Bus {
	opts := Options{
		Health:    noHealth{},
		Logger:    logging.NoOpLogger{},
		MaxQueued: DefaultMaxQueued,
		CompactTo: DefaultCompactTo,
		Now:       time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Health == nil {
		opts.Health = noHealth{}
	}

	return &Bus{
		registry: registry,
		health:   opts.Health,
		store:    opts.StateStore,
		log:      logging.EnsureLogger(opts.Logger),
		maxQ:     opts.MaxQueued,
		compact:  opts.CompactTo,
		now:      opts.Now,
	}
}

// Send queues a message and synchronously notifies the recipient(s).
//
// A direct message to a circuit-open target is skipped entirely: nothing
// is queued and the core.ErrRoutingBlocked sentinel is returned. This is a
// soft failure; delivery is best-effort and the caller decides whether to
// retry elsewhere.
//
// Notification failure does not remove the message from the queue: a
// failing ReceiveMessage callback means the worker could not be told, not
// that the message was lost. The recipient can still pick it up via
// Receive.
func (b *Bus) Send(ctx context.Context, from, to, msgType string, payload map[string]any, priority core.Priority, optFns ...func(o *SendOptions)) (string, error) {
	var sendOpts SendOptions
	for _, fn := range optFns {
		fn(&sendOpts)
	}
	if !priority.Valid() {
		priority = core.PriorityNormal
	}

	if to != core.BroadcastTarget && !b.health.IsHealthy(to) {
		b.log.Warn("routing blocked", "from", from, "to", to, "type", msgType)
		return "", core.ErrRoutingBlocked
	}

	now := b.now()
	msg := &core.Message{
		ID:        core.NewID(),
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Priority:  priority,
		Status:    core.MessagePending,
		ReplyTo:   sendOpts.ReplyTo,
		CreatedAt: now,
	}
	if sendOpts.TTL > 0 {
		msg.ExpiresAt = now.Add(sendOpts.TTL)
	}

	b.mu.Lock()
	b.enqueueLocked(msg)
	b.mu.Unlock()

	b.deliver(ctx, *msg)
	return msg.ID, nil
}

// Reply sends a response to the sender of an earlier message, threading it
// via ReplyTo. The recipient is resolved as the original message's sender.
func (b *Bus) Reply(ctx context.Context, originalID, from string, payload map[string]any) (string, error) {
	b.mu.Lock()
	var original *core.Message
	for _, m := range b.queue {
		if m.ID == originalID {
			original = m
			break
		}
	}
	b.mu.Unlock()

	if original == nil {
		return "", fmt.Errorf("reply to %s: message not found", originalID)
	}

	return b.Send(ctx, from, original.From, original.Type, payload, core.PriorityNormal, func(o *SendOptions) {
		o.ReplyTo = originalID
	})
}

// Receive returns the pending (by default) messages addressed to the agent
// in queue order, flagging expired messages on the way. Broadcast messages
// are visible to every agent except their sender.
func (b *Bus) Receive(agentID string, optFns ...func(f *ReceiveFilter)) []core.Message {
	filter := ReceiveFilter{Status: core.MessagePending}
	for _, fn := range optFns {
		fn(&filter)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]core.Message, 0)
	for _, m := range b.queue {
		if m.Status == core.MessagePending && m.Expired(now) {
			m.Status = core.MessageExpired
			b.log.Debug("message expired", "id", m.ID, "to", m.To)
		}
		if m.To != agentID && !(m.To == core.BroadcastTarget && m.From != agentID) {
			continue
		}
		if m.Status != filter.Status {
			continue
		}
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && !m.CreatedAt.After(filter.Since) {
			continue
		}
		out = append(out, *m)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// MarkProcessed acknowledges a message, optionally attaching a result.
func (b *Bus) MarkProcessed(messageID string, result any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range b.queue {
		if m.ID == messageID {
			m.Status = core.MessageProcessed
			m.Result = result
			return nil
		}
	}
	return fmt.Errorf("mark processed %s: message not found", messageID)
}

// Pending returns the number of pending messages visible to the agent.
func (b *Bus) Pending(agentID string) int {
	return len(b.Receive(agentID))
}

// Save persists the queue snapshot under the bus namespace.
func (b *Bus) Save(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	b.mu.Lock()
	msgs := make([]core.Message, 0, len(b.queue))
	for _, m := range b.queue {
		msgs = append(msgs, *m)
	}
	b.mu.Unlock()

	return b.store.Save(ctx, StateNamespace, map[string]any{"messages": msgs})
}

// Restore replaces the queue with the last saved snapshot. A missing
// snapshot is not an error.
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

	var msgs []core.Message
	if err := core.DecodeInto(state["messages"], &msgs); err != nil {
		return fmt.Errorf("restore message queue: %w", err)
	}

	b.mu.Lock()
	b.queue = b.queue[:0]
	for i := range msgs {
		m := msgs[i]
		b.queue = append(b.queue, &m)
	}
	b.mu.Unlock()
	return nil
}

// enqueueLocked inserts a message preserving stable priority order:
// critical/high messages go immediately after the last queued
// critical/high message, normal/low messages append to the tail. Caller
// must hold the mutex.
func (b *Bus) enqueueLocked(msg *core.Message) {
	if msg.Priority.Urgent() {
		idx := len(b.queue)
		for i, m := range b.queue {
			if !m.Priority.Urgent() {
				idx = i
				break
			}
		}
		b.queue = append(b.queue, nil)
		copy(b.queue[idx+1:], b.queue[idx:])
		b.queue[idx] = msg
	} else {
		b.queue = append(b.queue, msg)
	}

	if len(b.queue) > b.maxQ {
		b.compactLocked()
	}
}

// compactLocked drops the oldest messages by CreatedAt until the queue is
// back at the compaction target, preserving priority order among the
// survivors. Eviction goes by recency, not queue position: an urgent
// message inserted near the front must never be the first one dropped.
func (b *Bus) compactLocked() {
	drop := len(b.queue) - b.compact
	order := make([]int, len(b.queue))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		mi, mj := b.queue[order[i]], b.queue[order[j]]
		if !mi.CreatedAt.Equal(mj.CreatedAt) {
			return mi.CreatedAt.Before(mj.CreatedAt)
		}
		// Equal timestamps: evict non-urgent messages first.
		return !mi.Priority.Urgent() && mj.Priority.Urgent()
	})

	doomed := make(map[int]struct{}, drop)
	for _, idx := range order[:drop] {
		doomed[idx] = struct{}{}
	}

	kept := make([]*core.Message, 0, b.compact)
	for i, m := range b.queue {
		if _, gone := doomed[i]; gone {
			continue
		}
		kept = append(kept, m)
	}
	b.queue = kept
	b.log.Debug("message queue compacted", "kept", b.compact)
}

// deliver invokes recipient callbacks. Broadcast failures are logged per
// agent and never abort delivery to the remaining agents; direct delivery
// failures additionally count against the target's circuit.
func (b *Bus) deliver(ctx context.Context, msg core.Message) {
	if msg.To == core.BroadcastTarget {
		for _, id := range b.registry.IDs() {
			if id == msg.From {
				continue
			}
			w, ok := b.registry.Get(id)
			if !ok {
				continue
			}
			if err := w.ReceiveMessage(ctx, msg); err != nil {
				b.log.Warn("broadcast delivery failed", "id", msg.ID, "to", id, "error", err)
			}
		}
		return
	}

	w, ok := b.registry.Get(msg.To)
	if !ok {
		b.log.Warn("message target not registered", "id", msg.ID, "to", msg.To)
		return
	}
	if err := w.ReceiveMessage(ctx, msg); err != nil {
		b.health.RecordFailure(msg.To)
		b.log.Warn("delivery callback failed", "id", msg.ID, "to", msg.To, "error", err)
	}
}
