// ABOUTME: Tracks connection identity, lifecycle, and heartbeat recency per session
// ABOUTME: Independent of turn/payload logic; many connections may map to one session

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnectionNotFound indicates the specified connection was not found
// (or has been swept past its retention window).
var ErrConnectionNotFound = errors.New("connection not found")

// ErrConnectionGone indicates the connection is already disconnected and
// the client must re-register.
var ErrConnectionGone = errors.New("connection disconnected")

// Role identifies which side of the session a connection serves.
type Role string

const (
	RoleNarrator    Role = "narrator"
	RoleParticipant Role = "participant"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleNarrator || r == RoleParticipant
}

// State is the lifecycle state of a physical connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateStale        State = "stale"
	StateDisconnected State = "disconnected"
)

// Connection is one physical transport session. Its id is distinct from any
// participant identity; reconnects create new Connection records.
type Connection struct {
	ID             string
	SessionID      string
	Role           Role
	State          State
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	DisconnectedAt time.Time
}

// Registry tracks every connection's lifecycle. Records are retained after
// disconnect for resumption and audit until the retention window passes.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	tokens *TokenIssuer
	logger *slog.Logger

	done   chan struct{}
	closed bool
}

// New creates a Registry issuing tokens with the given issuer.
// Pass nil logger for default.
func New(tokens *TokenIssuer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		tokens: tokens,
		logger: logger.With("component", "registry"),
		done:   make(chan struct{}),
	}
}

// Register creates a connection record for a session, transitions it to
// active, and returns it with an opaque resumption token.
func (r *Registry) Register(sessionID string, role Role) (*Connection, string, error) {
	if !role.Valid() {
		return nil, "", fmt.Errorf("unknown role %q", role)
	}

	now := time.Now()
	conn := &Connection{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		Role:          role,
		State:         StateConnecting,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}

	token, err := r.tokens.Issue(conn.ID, sessionID, role)
	if err != nil {
		return nil, "", fmt.Errorf("issuing resumption token: %w", err)
	}

	conn.State = StateActive

	r.mu.Lock()
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"connection_id", conn.ID,
		"session_id", sessionID,
		"role", role,
		"total_connections", total)

	cp := *conn
	return &cp, token, nil
}

// Heartbeat updates a connection's liveness. A disconnected connection is
// a no-op error: the client must re-register.
func (r *Registry) Heartbeat(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	if conn.State == StateDisconnected {
		r.logger.Debug("heartbeat from disconnected connection ignored",
			"connection_id", connectionID)
		return fmt.Errorf("%w: %s", ErrConnectionGone, connectionID)
	}

	conn.LastHeartbeat = time.Now()
	if conn.State == StateStale {
		conn.State = StateActive
	}
	return nil
}

// MarkDisconnected transitions a connection to disconnected. The record is
// retained for resumption and audit until the retention window passes.
func (r *Registry) MarkDisconnected(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	if conn.State == StateDisconnected {
		return nil
	}

	conn.State = StateDisconnected
	conn.DisconnectedAt = time.Now()

	r.logger.Info("connection disconnected",
		"connection_id", connectionID,
		"session_id", conn.SessionID,
		"role", conn.Role)
	return nil
}

// ResolveResumption verifies a token and recovers the prior connection id
// and the session it belongs to. Callers must check the session against the
// one being joined before applying the prior connection's delivery state.
// Returns ErrTokenExpired for stale tokens and ErrConnectionNotFound when
// the record has already been swept.
func (r *Registry) ResolveResumption(token string) (connectionID, sessionID string, err error) {
	connectionID, _, _, err = r.tokens.Verify(token)
	if err != nil {
		return "", "", err
	}

	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	if ok {
		sessionID = conn.SessionID
	}
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	return connectionID, sessionID, nil
}

// Get returns a copy of a connection record.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return nil, false
	}
	cp := *conn
	return &cp, true
}

// ListActive returns the ids of all active (or stale-but-alive) connections
// in a session, the fan-out target set for broadcast.
func (r *Registry) ListActive(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, conn := range r.conns {
		if conn.SessionID == sessionID && (conn.State == StateActive || conn.State == StateStale) {
			ids = append(ids, id)
		}
	}
	return ids
}

// SweepStale disconnects connections silent for longer than maxAge and
// deletes disconnected records older than retention. Connections silent past
// half the window are flagged stale first; a heartbeat recovers them.
// Returns the counts of connections disconnected and records deleted.
func (r *Registry) SweepStale(maxAge, retention time.Duration) (disconnected, deleted int) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		switch conn.State {
		case StateActive, StateStale:
			silent := now.Sub(conn.LastHeartbeat)
			switch {
			case silent > maxAge:
				conn.State = StateDisconnected
				conn.DisconnectedAt = now
				disconnected++
				r.logger.Info("stale connection disconnected",
					"connection_id", id,
					"session_id", conn.SessionID,
					"silent_for", silent)
			case silent > maxAge/2 && conn.State == StateActive:
				conn.State = StateStale
				r.logger.Debug("connection marked stale",
					"connection_id", id,
					"session_id", conn.SessionID,
					"silent_for", silent)
			}
		case StateDisconnected:
			if now.Sub(conn.DisconnectedAt) > retention {
				delete(r.conns, id)
				deleted++
				r.logger.Debug("connection record expired",
					"connection_id", id,
					"session_id", conn.SessionID)
			}
		}
	}
	return disconnected, deleted
}

// Start launches the periodic sweep goroutine. onDeleted, if non-nil, is
// invoked with each deleted connection id so dependents can drop their
// per-connection state.
func (r *Registry) Start(interval, maxAge, retention time.Duration, onDeleted func(connectionID string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.sweepCycle(maxAge, retention, onDeleted)
			case <-r.done:
				return
			}
		}
	}()
}

// sweepCycle runs one sweep, collecting deleted ids outside the lock for
// the callback.
func (r *Registry) sweepCycle(maxAge, retention time.Duration, onDeleted func(string)) {
	var deletedIDs []string
	if onDeleted != nil {
		now := time.Now()
		r.mu.RLock()
		for id, conn := range r.conns {
			if conn.State == StateDisconnected && now.Sub(conn.DisconnectedAt) > retention {
				deletedIDs = append(deletedIDs, id)
			}
		}
		r.mu.RUnlock()
	}

	disconnected, deleted := r.SweepStale(maxAge, retention)
	if disconnected > 0 || deleted > 0 {
		r.logger.Debug("sweep cycle complete",
			"disconnected", disconnected,
			"deleted", deleted)
	}

	for _, id := range deletedIDs {
		onDeleted(id)
	}
}

// Close stops the sweep goroutine.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}
