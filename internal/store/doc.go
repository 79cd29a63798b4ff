// Package store provides turn-log persistence for saga-sync.
//
// # Overview
//
// The store keeps the canonical turn log durable across process restarts.
// It holds exactly two kinds of records:
//
//   - SessionRecord: session identity and activity timestamps
//   - EventRecord: one turn event, keyed by (session, turn, index)
//
// Connection and delivery state is intentionally not persisted. Those are
// lifecycle metadata: after a restart, clients cold-join and rebuild their
// delivery state from the replayed log.
//
// # Implementations
//
// Two implementations of TurnStore are provided:
//
//	store.NewSQLiteStore(path) // durable, WAL-mode SQLite
//	store.NewMemoryStore()     // ephemeral, for tests and dev runs
//
// The sequencer writes through SaveEvent as events are appended and reads
// the full log back with ListSessions + ListEvents on startup.
//
// # Ordering
//
// ListEvents always returns events ordered by (turn_number, response_index),
// regardless of insertion order. The sequencer persists asynchronously, so
// insertion order is not guaranteed to match log order; the composite
// primary key makes duplicate writes fail with ErrDuplicateEvent instead of
// corrupting the log.
package store
