// Package registry tracks the lifecycle of physical connections.
//
// A Connection is one transport session: its id is distinct from any
// participant identity, and a logical session accumulates many connection
// records over its lifetime as clients drop and reconnect. The registry
// never looks at payload content; it knows only who is connected, to which
// session, in which role, and how recently they heartbeat.
//
// Lifecycle: connecting -> active -> (stale) -> disconnected. Disconnected
// records are retained for a retention window so a reconnecting client can
// still redeem its resumption token against the prior record, then the
// periodic sweep deletes them.
//
// Resumption tokens are HS256 JWTs issued at registration and verified on
// reconnect; see TokenIssuer.
package registry
