// ABOUTME: Tests for the in-memory TurnStore implementation
// ABOUTME: Verifies it mirrors SQLiteStore semantics for the sequencer's needs

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := t.Context()

	now := time.Now()
	require.NoError(t, m.CreateSession(ctx, &SessionRecord{ID: "s1", CreatedAt: now, LastActiveAt: now}))
	require.NoError(t, m.CreateSession(ctx, &SessionRecord{ID: "s1", CreatedAt: now, LastActiveAt: now}))

	sessions, err := m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	later := now.Add(time.Minute)
	require.NoError(t, m.TouchSession(ctx, "s1", later))
	sessions, err = m.ListSessions(ctx)
	require.NoError(t, err)
	assert.True(t, sessions[0].LastActiveAt.Equal(later))

	require.NoError(t, m.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, m.TouchSession(ctx, "s1", later), ErrNotFound)
}

func TestMemoryStore_EventsOrderedAndDeduplicated(t *testing.T) {
	m := NewMemoryStore()
	ctx := t.Context()

	now := time.Now()
	require.NoError(t, m.CreateSession(ctx, &SessionRecord{ID: "s1", CreatedAt: now, LastActiveAt: now}))

	require.NoError(t, m.SaveEvent(ctx, &EventRecord{SessionID: "s1", TurnNumber: 2, ResponseIndex: 0, Kind: "input", CreatedAt: now}))
	require.NoError(t, m.SaveEvent(ctx, &EventRecord{SessionID: "s1", TurnNumber: 1, ResponseIndex: 0, Kind: "input", CreatedAt: now}))
	assert.ErrorIs(t, m.SaveEvent(ctx, &EventRecord{SessionID: "s1", TurnNumber: 1, ResponseIndex: 0, Kind: "input", CreatedAt: now}), ErrDuplicateEvent)

	events, err := m.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].TurnNumber)
	assert.Equal(t, int64(2), events[1].TurnNumber)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := t.Context()

	now := time.Now()
	require.NoError(t, m.CreateSession(ctx, &SessionRecord{ID: "s1", CreatedAt: now, LastActiveAt: now}))
	require.NoError(t, m.SaveEvent(ctx, &EventRecord{SessionID: "s1", TurnNumber: 1, ResponseIndex: 0, Kind: "input", CreatedAt: now}))

	events, err := m.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	events[0].Kind = "mutated"

	events, err = m.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, "input", events[0].Kind)
}
