// Package dedupe provides a TTL cache for dropping duplicate client
// signal frames.
//
// Clients that reconnect aggressively tend to resend their last ack and
// played signals. The tracker's signal handling is idempotent, so
// duplicates are harmless to correctness; the cache exists to keep them
// out of the logs and off the coordinator's signal path entirely.
//
// Keys are "<connection>/<signal>/<artifact>" strings. The cache is
// size-bounded with O(1) oldest-first eviction and swept by a background
// goroutine.
package dedupe
