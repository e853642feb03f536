package contextstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcoord/state"
)

func TestStore_LastWriteWinsWithProvenance(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(func(o *Options) {
		o.Now = func() time.Time { return now }
	})

	s.Set("budget_status", "ok", "finance")
	s.Set("budget_status", "warning", "finance")

	v, ok := s.Get("budget_status")
	require.True(t, ok)
	assert.Equal(t, "warning", v)

	e, ok := s.GetEntry("budget_status")
	require.True(t, ok)
	assert.Equal(t, "finance", e.UpdatedBy)
	assert.Equal(t, now, e.UpdatedAt)
}

func TestStore_AllReturnsCopy(t *testing.T) {
	s := New()
	s.Set("a", 1, "x")
	s.Set("b", 2, "y")

	all := s.All()
	assert.Len(t, all, 2)

	all["c"] = 3
	assert.Equal(t, 2, s.Len(), "mutating the returned map must not affect the store")
}

func TestStore_Clear(t *testing.T) {
	s := New()
	s.Set("a", 1, "x")
	s.Set("b", 2, "x")
	s.Set("c", 3, "x")

	s.Clear("b")
	_, ok := s.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())

	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestStore_SaveRestore(t *testing.T) {
	store := state.NewInMemoryStore()
	ctx := context.Background()

	s := New(func(o *Options) { o.StateStore = store })
	s.Set("alarm_armed", true, "security")
	require.NoError(t, s.Save(ctx))

	restored := New(func(o *Options) { o.StateStore = store })
	require.NoError(t, restored.Restore(ctx))

	v, ok := restored.Get("alarm_armed")
	require.True(t, ok)
	assert.Equal(t, true, v)

	e, _ := restored.GetEntry("alarm_armed")
	assert.Equal(t, "security", e.UpdatedBy)
}
