// Package sequencer owns the canonical ordered turn log for every session.
//
// # Overview
//
// A session is an append-only sequence of turns; a turn is an append-only
// sequence of events. The sequencer is the only component that mutates
// either, and it does so under a per-session lock, so each session's log
// is serialized while sessions stay fully independent.
//
// Ordering authority is the (turn_number, response_index) pair:
//
//   - turn_number: session-scoped, starts at 1, strictly increasing, gap-free
//   - response_index: turn-scoped, starts at 0, strictly increasing, gap-free
//
// Index 0 is reserved for the turn's structured input record; indices 1..N-1
// are incremental fragments; the last index is the terminal event (final or
// error). A turn moves pending -> streaming on its first event, and into a
// terminal state (complete or error) on its terminal event. Terminal turns
// reject further appends with ErrInvalidTurnState, leaving the log untouched.
//
// # Decoupling
//
// AppendEvent blocks only on the session lock. Persistence happens on a
// detached timeout context after the append, and downstream delivery is
// notified through the Notifier callback while the lock is still held, so
// notifications carry the append order; the callback must hand off and
// return without blocking. Delivery outcomes never affect the log: a
// client that misses an event catches up via TurnLog replay on reconnect.
package sequencer
