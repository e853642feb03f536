package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcoord/breaker"
	"github.com/hupe1980/agentcoord/core"
	"github.com/hupe1980/agentcoord/internal/testutil"
	"github.com/hupe1980/agentcoord/state"
)

func newTestBus(t *testing.T, workers ...core.Worker) (*Bus, *core.Registry) {
	t.Helper()
	reg := core.NewRegistry()
	for _, w := range workers {
		reg.Register(w)
	}
	return New(reg), reg
}

func TestBus_PriorityStableInsertion(t *testing.T) {
	b, _ := newTestBus(t, testutil.NewStubWorker("ops"))
	ctx := context.Background()

	id1, err := b.Send(ctx, "a", "ops", "chore", nil, core.PriorityNormal)
	require.NoError(t, err)
	id2, err := b.Send(ctx, "a", "ops", "chore", nil, core.PriorityLow)
	require.NoError(t, err)
	id3, err := b.Send(ctx, "a", "ops", "alert", nil, core.PriorityHigh)
	require.NoError(t, err)
	id4, err := b.Send(ctx, "a", "ops", "alert", nil, core.PriorityCritical)
	require.NoError(t, err)
	id5, err := b.Send(ctx, "a", "ops", "chore", nil, core.PriorityNormal)
	require.NoError(t, err)

	got := b.Receive("ops")
	require.Len(t, got, 5)

	// Urgent messages precede all normal/low ones, FIFO within tiers:
	// high then critical keep their send order relative to each other.
	want := []string{id3, id4, id1, id2, id5}
	for i, m := range got {
		assert.Equal(t, want[i], m.ID, "position %d", i)
	}
}

func TestBus_RoutingBlockedSentinel(t *testing.T) {
	br := breaker.New()
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("flaky"))
	b := New(reg, func(o *Options) { o.Health = br })

	for i := 0; i < 3; i++ {
		br.RecordFailure("flaky")
	}

	id, err := b.Send(context.Background(), "a", "flaky", "ping", nil, core.PriorityNormal)
	assert.ErrorIs(t, err, core.ErrRoutingBlocked)
	assert.Empty(t, id)
	assert.Empty(t, b.Receive("flaky"), "nothing may be queued for a circuit-open target")

	// Broadcast is never blocked by a single open circuit.
	_, err = b.Send(context.Background(), "a", core.BroadcastTarget, "ping", nil, core.PriorityNormal)
	assert.NoError(t, err)
}

func TestBus_BroadcastExcludesSenderAndSurvivesFailures(t *testing.T) {
	sender := testutil.NewStubWorker("sender")
	okWorker := testutil.NewStubWorker("ok")
	badWorker := testutil.NewStubWorker("bad").WithReceive(func(context.Context, core.Message) error {
		return errors.New("callback exploded")
	})
	b, _ := newTestBus(t, sender, okWorker, badWorker)

	_, err := b.Send(context.Background(), "sender", core.BroadcastTarget, "announce", map[string]any{"k": "v"}, core.PriorityNormal)
	require.NoError(t, err)

	assert.Empty(t, sender.Received(), "broadcast must not be delivered to its sender")
	assert.Len(t, okWorker.Received(), 1, "one failing recipient must not abort the broadcast")
	assert.Len(t, badWorker.Received(), 1)

	// Broadcasts stay visible via Receive for everyone but the sender.
	assert.Len(t, b.Receive("ok"), 1)
	assert.Empty(t, b.Receive("sender"))
}

func TestBus_DeliveryFailureKeepsMessageQueued(t *testing.T) {
	br := breaker.New()
	bad := testutil.NewStubWorker("bad").WithReceive(func(context.Context, core.Message) error {
		return errors.New("notification failed")
	})
	reg := core.NewRegistry()
	reg.Register(bad)
	b := New(reg, func(o *Options) { o.Health = br })

	id, err := b.Send(context.Background(), "a", "bad", "task", nil, core.PriorityNormal)
	require.NoError(t, err, "callback failure is notification failure, not send failure")

	got := b.Receive("bad")
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	// The failure counted toward the circuit.
	snap := br.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].FailureCount)
}

func TestBus_TTLExpiresLazily(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("ops"))
	b := New(reg, func(o *Options) {
		o.Now = func() time.Time { return *clock }
	})

	_, err := b.Send(context.Background(), "a", "ops", "task", nil, core.PriorityNormal, func(o *SendOptions) {
		o.TTL = time.Minute
	})
	require.NoError(t, err)
	require.Len(t, b.Receive("ops"), 1)

	later := now.Add(2 * time.Minute)
	clock = &later

	assert.Empty(t, b.Receive("ops"), "expired message must not be returned as pending")
	expired := b.Receive("ops", func(f *ReceiveFilter) { f.Status = core.MessageExpired })
	assert.Len(t, expired, 1)
}

func TestBus_ReceiveFilters(t *testing.T) {
	b, _ := newTestBus(t, testutil.NewStubWorker("ops"))
	ctx := context.Background()

	_, err := b.Send(ctx, "a", "ops", "alpha", nil, core.PriorityNormal)
	require.NoError(t, err)
	_, err = b.Send(ctx, "a", "ops", "beta", nil, core.PriorityNormal)
	require.NoError(t, err)
	_, err = b.Send(ctx, "a", "ops", "beta", nil, core.PriorityNormal)
	require.NoError(t, err)

	byType := b.Receive("ops", func(f *ReceiveFilter) { f.Type = "beta" })
	assert.Len(t, byType, 2)

	limited := b.Receive("ops", func(f *ReceiveFilter) { f.Limit = 1 })
	assert.Len(t, limited, 1)
}

func TestBus_MarkProcessedAndReply(t *testing.T) {
	alice := testutil.NewStubWorker("alice")
	bob := testutil.NewStubWorker("bob")
	b, _ := newTestBus(t, alice, bob)
	ctx := context.Background()

	id, err := b.Send(ctx, "alice", "bob", "question", map[string]any{"q": "status?"}, core.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, b.MarkProcessed(id, map[string]any{"ack": true}))
	processed := b.Receive("bob", func(f *ReceiveFilter) { f.Status = core.MessageProcessed })
	require.Len(t, processed, 1)

	replyID, err := b.Reply(ctx, id, "bob", map[string]any{"a": "all good"})
	require.NoError(t, err)

	replies := b.Receive("alice")
	require.Len(t, replies, 1)
	assert.Equal(t, replyID, replies[0].ID)
	assert.Equal(t, id, replies[0].ReplyTo, "reply must resolve the recipient as the original sender")

	assert.ErrorContains(t, b.MarkProcessed("missing", nil), "not found")
}

func TestBus_QueueCompaction(t *testing.T) {
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("ops"))
	b := New(reg, func(o *Options) {
		o.MaxQueued = 10
		o.CompactTo = 5
	})

	ctx := context.Background()
	for i := 0; i < 11; i++ {
		_, err := b.Send(ctx, "a", "ops", "task", nil, core.PriorityNormal)
		require.NoError(t, err)
	}

	assert.Len(t, b.Receive("ops"), 5, "compaction keeps the most recent messages")
}

func TestBus_QueueCompactionEvictsByRecencyNotPosition(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("ops"))
	b := New(reg, func(o *Options) {
		o.MaxQueued = 10
		o.CompactTo = 5
		o.Now = func() time.Time { return *clock }
	})

	ctx := context.Background()
	normals := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := b.Send(ctx, "a", "ops", "chore", nil, core.PriorityNormal)
		require.NoError(t, err)
		normals = append(normals, id)
		next := clock.Add(time.Second)
		clock = &next
	}

	// The critical message is inserted at the front of the queue; eviction
	// must still drop the oldest messages, not the front ones.
	critical, err := b.Send(ctx, "a", "ops", "alert", nil, core.PriorityCritical)
	require.NoError(t, err)

	got := b.Receive("ops")
	require.Len(t, got, 5)
	assert.Equal(t, critical, got[0].ID, "the newest (critical) message must survive compaction")
	for _, m := range got[1:] {
		assert.Contains(t, normals[6:], m.ID, "the remaining slots hold the most recent normal messages")
	}
}

func TestBus_SaveRestore(t *testing.T) {
	store := state.NewInMemoryStore()
	reg := core.NewRegistry()
	reg.Register(testutil.NewStubWorker("ops"))
	b := New(reg, func(o *Options) { o.StateStore = store })
	ctx := context.Background()

	id, err := b.Send(ctx, "a", "ops", "task", map[string]any{"n": 1}, core.PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx))

	restored := New(reg, func(o *Options) { o.StateStore = store })
	require.NoError(t, restored.Restore(ctx))

	got := restored.Receive("ops")
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, core.PriorityHigh, got[0].Priority)

	// Restoring from an empty store is a no-op, not an error.
	fresh := New(reg, func(o *Options) { o.StateStore = state.NewInMemoryStore() })
	assert.NoError(t, fresh.Restore(ctx))
}
