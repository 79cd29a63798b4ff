// Package broadcast fans sequencer events out to connected clients.
//
// # Overview
//
// The Coordinator is the glue between the sequencer (what happened), the
// registry (who is connected), and the playback tracker (what each
// connection has seen). It is the only component that performs fan-out
// I/O, through the transport-provided Pusher.
//
// # Ordering policy
//
// Each connection gets a dedicated delivery worker with a FIFO queue, so
// intra-connection delivery order always matches append order, even under
// retries and backpressure. Different connections are served concurrently
// and independently: one slow or failing connection never delays another,
// and never delays the sequencer, which hands events over through a
// non-blocking enqueue.
//
// Backpressure is resolved by disconnection, not reordering: a connection
// whose queue overflows, or whose pushes keep failing past the retry
// budget, is marked disconnected and recovers the missed events through
// replay on its next connect.
//
// # Reconnect replay
//
// OnConnect computes a resume point from the prior connection's delivery
// records (warm join) or falls back to session start or a recent window
// (cold join), then replays exactly the unseen events in order. Until the
// replay is fully queued the connection's worker is gated: live fan-out is
// buffered behind the replay and anything the replay already covered is
// dropped, so a client joining mid-turn sees each event once. Backlogs
// beyond the configured limit are truncated: the client receives a
// recap_needed control frame plus the most recent turns, and fetches
// anything older through the history API.
package broadcast
