// ABOUTME: Turn and TurnEvent types with the per-turn state machine
// ABOUTME: Defines event kinds, turn states, and allowed transitions

package sequencer

import (
	"encoding/json"
	"time"
)

// EventKind classifies a turn event. The payload is opaque; the kind is the
// only part of an event the sequencer interprets.
type EventKind string

const (
	// EventKindInput is the structured input record, always at index 0.
	EventKindInput EventKind = "input"
	// EventKindFragment is an incremental output fragment.
	EventKindFragment EventKind = "fragment"
	// EventKindFinal is the consolidated terminal result.
	EventKindFinal EventKind = "final"
	// EventKindError terminates a turn that failed mid-generation.
	EventKindError EventKind = "error"
)

// Terminal reports whether the kind ends its turn.
func (k EventKind) Terminal() bool {
	return k == EventKindFinal || k == EventKindError
}

// Valid reports whether the kind is one of the known values.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindInput, EventKindFragment, EventKindFinal, EventKindError:
		return true
	}
	return false
}

// TurnState is the lifecycle state of a turn. Terminal states have no
// outgoing transitions.
type TurnState string

const (
	TurnStatePending   TurnState = "pending"
	TurnStateStreaming TurnState = "streaming"
	TurnStateComplete  TurnState = "complete"
	TurnStateError     TurnState = "error"
)

// Terminal reports whether the state admits no further events.
func (s TurnState) Terminal() bool {
	return s == TurnStateComplete || s == TurnStateError
}

// TurnEvent is the atomic ordered unit of the turn log. Ordering authority
// is the (TurnNumber, ResponseIndex) pair; CreatedAt is informational only.
type TurnEvent struct {
	TurnNumber    int64           `json:"turn_number"`
	ResponseIndex int             `json:"response_index"`
	Kind          EventKind       `json:"event_kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ArtifactID    string          `json:"artifact_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Turn is one full round of session activity: an ordered list of events
// under a session-scoped monotonic number.
type Turn struct {
	Number int64       `json:"turn_number"`
	State  TurnState   `json:"state"`
	Events []TurnEvent `json:"events"`
}

// clone returns a deep copy safe to hand outside the session lock.
func (t *Turn) clone() *Turn {
	cp := &Turn{
		Number: t.Number,
		State:  t.State,
		Events: make([]TurnEvent, len(t.Events)),
	}
	copy(cp.Events, t.Events)
	return cp
}
