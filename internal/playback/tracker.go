// ABOUTME: Per-connection record of sent/acknowledged/played delivery state
// ABOUTME: Computes independent resume positions for reconnecting clients

package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Position is a point in a session's log, ordered by (turn, index).
// The zero Position means "session start".
type Position struct {
	TurnNumber    int64
	ResponseIndex int
}

// Before reports whether p orders strictly before q.
func (p Position) Before(q Position) bool {
	if p.TurnNumber != q.TurnNumber {
		return p.TurnNumber < q.TurnNumber
	}
	return p.ResponseIndex < q.ResponseIndex
}

// IsZero reports whether p is the session-start position.
func (p Position) IsZero() bool {
	return p.TurnNumber == 0 && p.ResponseIndex == 0
}

// Basis reports which delivery tier supplied a resume point.
type Basis string

const (
	BasisPlayed       Basis = "played"
	BasisAcked        Basis = "acked"
	BasisSent         Basis = "sent"
	BasisSessionStart Basis = "session_start"
)

// EventRef identifies a delivered event and its optional artifact.
type EventRef struct {
	TurnNumber    int64
	ResponseIndex int
	ArtifactID    string
}

// Key returns the tracking key for the ref: the artifact id for deliverable
// binary content, otherwise a synthetic position key. Client signals always
// reference this key.
func (r EventRef) Key() string {
	if r.ArtifactID != "" {
		return r.ArtifactID
	}
	return fmt.Sprintf("evt:%d:%d", r.TurnNumber, r.ResponseIndex)
}

// DeliveryRecord is one row per (connection, event). Created when the
// coordinator pushes the event; mutated only by signals from that same
// connection. Never shared across connections.
type DeliveryRecord struct {
	Ref      EventRef
	Sent     bool
	SentAt   time.Time
	Acked    bool
	AckedAt  time.Time
	Played   bool
	PlayedAt time.Time
}

// Tracker records what each connection has been sent, acknowledged, and
// consumed. Records are partitioned by connection id, so mutations for one
// connection never contend with or affect another's.
type Tracker struct {
	mu     sync.RWMutex
	byConn map[string]map[string]*DeliveryRecord // connectionID -> key -> record
	logger *slog.Logger
}

// New creates a Tracker. Pass nil logger for default.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		byConn: make(map[string]map[string]*DeliveryRecord),
		logger: logger.With("component", "playback"),
	}
}

// RecordSent marks an event as sent to a connection. Idempotent: repeated
// sends (delivery retries) keep the original timestamp.
func (t *Tracker) RecordSent(connectionID string, ref EventRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	records, ok := t.byConn[connectionID]
	if !ok {
		records = make(map[string]*DeliveryRecord)
		t.byConn[connectionID] = records
	}

	key := ref.Key()
	if rec, exists := records[key]; exists {
		if !rec.Sent {
			rec.Sent = true
			rec.SentAt = time.Now()
		}
		return
	}
	records[key] = &DeliveryRecord{
		Ref:    ref,
		Sent:   true,
		SentAt: time.Now(),
	}
}

// RecordAck marks an event acknowledged by the connection, reporting
// whether a matching sent record existed. If none does the signal is
// logged and dropped: acks may race sends under reordering and must not
// create phantom records; the client retries once the send lands.
func (t *Tracker) RecordAck(connectionID, key string) bool {
	return t.mutate(connectionID, key, "ack", func(rec *DeliveryRecord) {
		if !rec.Acked {
			rec.Acked = true
			rec.AckedAt = time.Now()
		}
	})
}

// RecordPlayed marks an event's artifact as fully played by the connection.
// Same race policy as RecordAck.
func (t *Tracker) RecordPlayed(connectionID, key string) bool {
	return t.mutate(connectionID, key, "played", func(rec *DeliveryRecord) {
		if !rec.Played {
			rec.Played = true
			rec.PlayedAt = time.Now()
		}
	})
}

func (t *Tracker) mutate(connectionID, key, signal string, fn func(*DeliveryRecord)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byConn[connectionID][key]
	if !ok {
		t.logger.Debug("signal for unknown delivery record dropped",
			"connection_id", connectionID,
			"key", key,
			"signal", signal)
		return false
	}
	fn(rec)
	return true
}

// Record returns a copy of one delivery record.
func (t *Tracker) Record(connectionID, key string) (DeliveryRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.byConn[connectionID][key]
	if !ok {
		return DeliveryRecord{}, false
	}
	return *rec, true
}

// ResumePoint computes where a connection should resume: the highest fully
// played position, falling back to acknowledged, then sent, then session
// start. The returned Basis names the tier that supplied the answer.
func (t *Tracker) ResumePoint(connectionID string) (Position, Basis) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var played, acked, sent Position
	var hasPlayed, hasAcked, hasSent bool

	for _, rec := range t.byConn[connectionID] {
		pos := Position{TurnNumber: rec.Ref.TurnNumber, ResponseIndex: rec.Ref.ResponseIndex}
		if rec.Played && (!hasPlayed || played.Before(pos)) {
			played, hasPlayed = pos, true
		}
		if rec.Acked && (!hasAcked || acked.Before(pos)) {
			acked, hasAcked = pos, true
		}
		if rec.Sent && (!hasSent || sent.Before(pos)) {
			sent, hasSent = pos, true
		}
	}

	switch {
	case hasPlayed:
		return played, BasisPlayed
	case hasAcked:
		return acked, BasisAcked
	case hasSent:
		return sent, BasisSent
	default:
		return Position{}, BasisSessionStart
	}
}

// DropConnection deletes all delivery records for a connection. Called when
// the registry expires the record past its retention window.
func (t *Tracker) DropConnection(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConn, connectionID)
}
