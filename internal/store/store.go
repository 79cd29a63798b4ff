// ABOUTME: TurnStore interface and record types for turn-log persistence
// ABOUTME: Defines SessionRecord, EventRecord and the storage contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent is returned when an event with the same
// (session, turn, index) triple has already been saved
var ErrDuplicateEvent = errors.New("event already exists")

// SessionRecord is the persisted identity of a session
type SessionRecord struct {
	ID           string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// EventRecord is one persisted turn event. The (SessionID, TurnNumber,
// ResponseIndex) triple is unique; Payload is opaque to the store.
type EventRecord struct {
	SessionID     string
	TurnNumber    int64
	ResponseIndex int
	Kind          string // "input", "fragment", "final", "error"
	Payload       []byte
	ArtifactID    string
	CreatedAt     time.Time
}

// TurnStore defines the interface for turn-log persistence.
// Connection and delivery state is deliberately absent: it is lifecycle
// metadata that rebuilds via cold-join semantics after a restart.
type TurnStore interface {
	// Sessions
	CreateSession(ctx context.Context, rec *SessionRecord) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*SessionRecord, error)

	// Turn events
	SaveEvent(ctx context.Context, rec *EventRecord) error
	// ListEvents returns events for a session with TurnNumber > sinceTurn,
	// ordered by (turn_number, response_index).
	ListEvents(ctx context.Context, sessionID string, sinceTurn int64) ([]*EventRecord, error)

	// Close releases any resources held by the store
	Close() error
}
