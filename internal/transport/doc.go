// Package transport is the network edge of the gateway: an HTTP API the
// generation pipeline writes turns through, and a websocket endpoint
// clients join sessions through.
//
// # Ingest API
//
//	PUT  /v1/sessions/{session}                      create (idempotent)
//	POST /v1/sessions/{session}/turns                allocate the next turn number
//	POST /v1/sessions/{session}/turns/{turn}/events  append one event to a turn
//	GET  /v1/sessions/{session}/log?since_turn=N     read the turn log
//
// Appends carry {"event_kind", "payload", "artifact_id"} and return the
// response index the sequencer assigned.
//
// # Websocket protocol
//
// Clients connect to /ws?session=ID&role=participant, optionally with
// resume_token from a previous welcome. The server replies with a welcome
// frame carrying the connection id and a fresh resumption token, then
// streams event and control frames in order:
//
//	{"type":"welcome","welcome":{"connection_id":...,"resumption_token":...}}
//	{"type":"event","event":{"turn_number":3,"response_index":1,...}}
//	{"type":"control","control":{"kind":"recap_needed","omitted_turns":450}}
//
// Clients send heartbeats and playback signals:
//
//	{"type":"heartbeat"}
//	{"type":"signal","signal":"played","artifact_id":"aud-123"}
//
// Duplicate signals (client retries) are absorbed by a seen-cache before
// they reach the coordinator. Each live socket has a single writer; the
// Server implements the coordinator's Pusher so per-connection delivery
// workers serialize onto it.
package transport
