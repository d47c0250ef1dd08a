// Package router implements the inbound subscription registry.
//
// The registry:
//   - Decodes JSON text frames just far enough to read their "type" tag
//   - Fans each message out to handlers registered for that exact type, then
//     to wildcard ("*") handlers, in registration order
//   - Reserves the "connection_state" channel for session lifecycle changes;
//     late subscribers get the current state immediately
//   - Isolates handler panics so one consumer cannot starve the others
//
// Payloads are never interpreted; handlers receive the raw frame.
package router
