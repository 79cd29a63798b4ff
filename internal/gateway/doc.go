// Package gateway assembles the synchronization server: event store,
// turn sequencer, connection registry, playback tracker, broadcast
// coordinator, and the HTTP/websocket transport, wired per the loaded
// configuration.
//
// New builds the object graph without side effects. Run recovers session
// state from the store, starts the connection and session sweeps, and
// serves HTTP until the context is canceled, then shuts down in
// dependency order: listener first so no new work arrives, then delivery
// workers, then the background sweeps, then the store.
package gateway
