// Package playback tracks per-connection delivery and consumption state.
//
// Every event pushed to a connection creates a DeliveryRecord keyed by the
// connection id and the event's artifact (or position) key. The record
// carries three monotone flags: sent, acknowledged, played. Records belong
// to exactly one connection; signals from connection A can never touch
// connection B's records, which is what keeps session-level and
// connection-level state from conflating.
//
// ResumePoint turns a connection's records into a resume position for
// reconnect replay, preferring fully played content over merely
// acknowledged or merely sent content.
package playback
