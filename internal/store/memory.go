// ABOUTME: In-memory implementation of the TurnStore interface
// ABOUTME: Used in tests and for ephemeral runs with no database path configured

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements TurnStore with mutex-guarded maps.
// It mirrors SQLiteStore semantics, including duplicate detection.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	events   map[string][]*EventRecord // sessionID -> events in insertion order
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
		events:   make(map[string][]*EventRecord),
	}
}

// CreateSession inserts a session record; no-op if it already exists
func (m *MemoryStore) CreateSession(_ context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[rec.ID]; ok {
		return nil
	}
	cp := *rec
	m.sessions[rec.ID] = &cp
	return nil
}

// TouchSession updates a session's last-active timestamp
func (m *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.LastActiveAt = at
	return nil
}

// DeleteSession removes a session and its events
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.events, id)
	return nil
}

// ListSessions returns all session records ordered by creation time
func (m *MemoryStore) ListSessions(_ context.Context) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		cp := *rec
		sessions = append(sessions, &cp)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// SaveEvent appends a turn event, rejecting duplicate (turn, index) pairs
func (m *MemoryStore) SaveEvent(_ context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.events[rec.SessionID] {
		if existing.TurnNumber == rec.TurnNumber && existing.ResponseIndex == rec.ResponseIndex {
			return ErrDuplicateEvent
		}
	}
	cp := *rec
	m.events[rec.SessionID] = append(m.events[rec.SessionID], &cp)
	return nil
}

// ListEvents returns a session's events after the given turn, in log order
func (m *MemoryStore) ListEvents(_ context.Context, sessionID string, sinceTurn int64) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*EventRecord
	for _, rec := range m.events[sessionID] {
		if rec.TurnNumber > sinceTurn {
			cp := *rec
			events = append(events, &cp)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].TurnNumber != events[j].TurnNumber {
			return events[i].TurnNumber < events[j].TurnNumber
		}
		return events[i].ResponseIndex < events[j].ResponseIndex
	})
	return events, nil
}

// Close is a no-op for the in-memory store
func (m *MemoryStore) Close() error {
	return nil
}
