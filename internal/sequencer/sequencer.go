// ABOUTME: Canonical append-only turn log per session with ordering enforcement
// ABOUTME: Allocates monotonic turn numbers and response indices under per-session locks

package sequencer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/saga-sync/internal/store"
)

// ErrSessionNotFound indicates an unknown session was referenced.
var ErrSessionNotFound = errors.New("session not found")

// ErrTurnNotFound indicates the referenced turn was never started.
var ErrTurnNotFound = errors.New("turn not found")

// ErrInvalidTurnState indicates an append violated an ordering invariant.
// It always signals a caller bug and is never silently corrected.
var ErrInvalidTurnState = errors.New("invalid turn state")

// persistTimeout bounds detached store writes so persistence survives
// caller cancellation without hanging forever.
const persistTimeout = 5 * time.Second

// Notifier receives a callback for every successful append. It is invoked
// while the session lock is still held, so concurrent appends reach it in
// index order; implementations must hand off and return without blocking.
type Notifier interface {
	OnEventAppended(sessionID string, event TurnEvent)
}

// EventStore defines what the sequencer needs from storage
type EventStore interface {
	CreateSession(ctx context.Context, rec *store.SessionRecord) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*store.SessionRecord, error)
	SaveEvent(ctx context.Context, rec *store.EventRecord) error
	ListEvents(ctx context.Context, sessionID string, sinceTurn int64) ([]*store.EventRecord, error)
}

// sessionLog owns one session's turn log. All mutation happens under mu,
// so appends within a session are serialized while sessions stay independent.
type sessionLog struct {
	mu         sync.Mutex
	id         string
	turns      []*Turn
	lastActive time.Time
}

// Sequencer owns the canonical ordered turn log for every session.
// Turn numbers are session-scoped, start at 1, and never repeat or gap;
// response indices are turn-scoped, start at 0, and never repeat or gap.
type Sequencer struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog

	store    EventStore
	notifier Notifier
	logger   *slog.Logger
}

// New creates a Sequencer backed by the given store. Pass nil logger for default.
func New(eventStore EventStore, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		sessions: make(map[string]*sessionLog),
		store:    eventStore,
		logger:   logger.With("component", "sequencer"),
	}
}

// SetNotifier registers the append callback. Must be called before any
// appends; typically wired once at startup.
func (s *Sequencer) SetNotifier(n Notifier) {
	s.notifier = n
}

// CreateSession registers a session, creating its empty log. Idempotent:
// creating an existing session is a no-op, so first-join races are harmless.
func (s *Sequencer) CreateSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		return nil
	}
	now := time.Now()
	s.sessions[sessionID] = &sessionLog{id: sessionID, lastActive: now}
	s.mu.Unlock()

	if err := s.store.CreateSession(ctx, &store.SessionRecord{
		ID:           sessionID,
		CreatedAt:    now,
		LastActiveAt: now,
	}); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	s.logger.Info("session created", "session_id", sessionID)
	return nil
}

// StartTurn allocates the next turn number for the session and appends an
// empty pending turn. Returns ErrSessionNotFound for unknown sessions.
func (s *Sequencer) StartTurn(ctx context.Context, sessionID string) (int64, error) {
	log, ok := s.session(sessionID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	log.mu.Lock()
	number := int64(len(log.turns)) + 1
	log.turns = append(log.turns, &Turn{Number: number, State: TurnStatePending})
	log.lastActive = time.Now()
	log.mu.Unlock()

	s.logger.Debug("turn started",
		"session_id", sessionID,
		"turn_number", number)
	return number, nil
}

// AppendEvent allocates the next response index for the turn, validates
// ordering invariants, appends, and transitions turn state. The call blocks
// only on the session lock, never on persistence or delivery: the event is
// persisted on a detached context, and the notifier hands off without
// blocking.
func (s *Sequencer) AppendEvent(ctx context.Context, sessionID string, turnNumber int64, kind EventKind, payload []byte, artifactID string) (int, error) {
	log, ok := s.session(sessionID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	log.mu.Lock()
	event, err := appendLocked(log, turnNumber, kind, payload, artifactID)
	if err == nil && s.notifier != nil {
		// Notified before the lock is released so two racing appends can
		// never reach the coordinator out of index order.
		s.notifier.OnEventAppended(sessionID, event)
	}
	log.mu.Unlock()
	if err != nil {
		return 0, err
	}

	go s.persistEvent(sessionID, event)

	s.logger.Debug("event appended",
		"session_id", sessionID,
		"turn_number", turnNumber,
		"response_index", event.ResponseIndex,
		"kind", kind)
	return event.ResponseIndex, nil
}

// appendLocked validates and applies an append. Called with log.mu held.
// On any invariant violation the log is left untouched.
func appendLocked(log *sessionLog, turnNumber int64, kind EventKind, payload []byte, artifactID string) (TurnEvent, error) {
	if !kind.Valid() {
		return TurnEvent{}, fmt.Errorf("%w: unknown event kind %q", ErrInvalidTurnState, kind)
	}
	if turnNumber < 1 || turnNumber > int64(len(log.turns)) {
		return TurnEvent{}, fmt.Errorf("%w: turn %d in session %s", ErrTurnNotFound, turnNumber, log.id)
	}

	turn := log.turns[turnNumber-1]
	if turn.State.Terminal() {
		return TurnEvent{}, fmt.Errorf("%w: turn %d is %s", ErrInvalidTurnState, turnNumber, turn.State)
	}

	index := len(turn.Events)
	switch {
	case index == 0 && kind != EventKindInput && kind != EventKindError:
		// Index 0 is reserved for the input record. An error event may land
		// there when a turn fails before its input is recorded.
		return TurnEvent{}, fmt.Errorf("%w: turn %d expects input at index 0, got %s", ErrInvalidTurnState, turnNumber, kind)
	case index > 0 && kind == EventKindInput:
		return TurnEvent{}, fmt.Errorf("%w: turn %d already has an input record", ErrInvalidTurnState, turnNumber)
	}

	event := TurnEvent{
		TurnNumber:    turnNumber,
		ResponseIndex: index,
		Kind:          kind,
		Payload:       payload,
		ArtifactID:    artifactID,
		CreatedAt:     time.Now(),
	}
	turn.Events = append(turn.Events, event)

	switch {
	case kind == EventKindError:
		turn.State = TurnStateError
	case kind == EventKindFinal:
		turn.State = TurnStateComplete
	case turn.State == TurnStatePending:
		turn.State = TurnStateStreaming
	}

	log.lastActive = event.CreatedAt
	return event, nil
}

// TurnLog returns a lazy, finite, restartable sequence of turns with
// Number > sinceTurn. Each iteration takes a fresh consistent snapshot
// under the session lock, so ranging twice observes appends in between
// but never a half-applied one.
func (s *Sequencer) TurnLog(sessionID string, sinceTurn int64) (iter.Seq[*Turn], error) {
	if _, ok := s.session(sessionID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	return func(yield func(*Turn) bool) {
		log, ok := s.session(sessionID)
		if !ok {
			return
		}

		log.mu.Lock()
		snapshot := make([]*Turn, 0, len(log.turns))
		for _, turn := range log.turns {
			if turn.Number > sinceTurn {
				snapshot = append(snapshot, turn.clone())
			}
		}
		log.mu.Unlock()

		for _, turn := range snapshot {
			if !yield(turn) {
				return
			}
		}
	}, nil
}

// LastTurn returns the highest allocated turn number, 0 if none.
func (s *Sequencer) LastTurn(sessionID string) (int64, error) {
	log, ok := s.session(sessionID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return int64(len(log.turns)), nil
}

// Sessions returns the ids of all known sessions.
func (s *Sequencer) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SweepIdle garbage-collects sessions idle past the window. A session is
// only collected when inUse reports no live connections for it. Returns
// the number of sessions removed. Store failures are logged and retried
// on the next cycle, never fatal.
func (s *Sequencer) SweepIdle(idleFor time.Duration, inUse func(sessionID string) bool) int {
	cutoff := time.Now().Add(-idleFor)

	s.mu.Lock()
	var expired []string
	for id, log := range s.sessions {
		log.mu.Lock()
		idle := log.lastActive.Before(cutoff)
		log.mu.Unlock()
		if idle && (inUse == nil || !inUse(id)) {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := s.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to delete expired session", "error", err, "session_id", id)
		}
		cancel()
		s.logger.Info("session expired", "session_id", id)
	}
	return len(expired)
}

// LoadFromStore rebuilds all session logs from persisted events. Called
// once at startup, before any traffic.
func (s *Sequencer) LoadFromStore(ctx context.Context) error {
	records, err := s.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	for _, rec := range records {
		events, err := s.store.ListEvents(ctx, rec.ID, 0)
		if err != nil {
			return fmt.Errorf("listing events for %s: %w", rec.ID, err)
		}

		log := &sessionLog{id: rec.ID, lastActive: rec.LastActiveAt}
		for _, ev := range events {
			for int64(len(log.turns)) < ev.TurnNumber {
				log.turns = append(log.turns, &Turn{
					Number: int64(len(log.turns)) + 1,
					State:  TurnStatePending,
				})
			}
			turn := log.turns[ev.TurnNumber-1]
			turn.Events = append(turn.Events, TurnEvent{
				TurnNumber:    ev.TurnNumber,
				ResponseIndex: ev.ResponseIndex,
				Kind:          EventKind(ev.Kind),
				Payload:       ev.Payload,
				ArtifactID:    ev.ArtifactID,
				CreatedAt:     ev.CreatedAt,
			})
			switch {
			case EventKind(ev.Kind) == EventKindError:
				turn.State = TurnStateError
			case EventKind(ev.Kind) == EventKindFinal:
				turn.State = TurnStateComplete
			case turn.State == TurnStatePending:
				turn.State = TurnStateStreaming
			}
		}

		s.mu.Lock()
		s.sessions[rec.ID] = log
		s.mu.Unlock()

		s.logger.Info("session restored",
			"session_id", rec.ID,
			"turns", len(log.turns))
	}
	return nil
}

// session looks up a session log under the registry lock.
func (s *Sequencer) session(id string) (*sessionLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.sessions[id]
	return log, ok
}

// persistEvent writes an appended event with a detached timeout context so
// the record survives caller cancellation. Failures are logged, never
// propagated: the in-memory log remains authoritative for live delivery.
func (s *Sequencer) persistEvent(sessionID string, event TurnEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := s.store.SaveEvent(ctx, &store.EventRecord{
		SessionID:     sessionID,
		TurnNumber:    event.TurnNumber,
		ResponseIndex: event.ResponseIndex,
		Kind:          string(event.Kind),
		Payload:       event.Payload,
		ArtifactID:    event.ArtifactID,
		CreatedAt:     event.CreatedAt,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
		s.logger.Error("failed to persist event",
			"error", err,
			"session_id", sessionID,
			"turn_number", event.TurnNumber,
			"response_index", event.ResponseIndex)
		return
	}

	if err := s.store.TouchSession(ctx, sessionID, event.CreatedAt); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("failed to touch session", "error", err, "session_id", sessionID)
	}
}
