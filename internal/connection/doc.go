// Package connection implements the push Connection Manager.
//
// The Connection Manager:
//   - Owns the single WebSocket to the push endpoint and its state machine
//   - Reconnects abnormal closes with capped exponential backoff
//   - Detects half-open sockets with an application heartbeat
//   - Buffers outbound frames while disconnected and flushes them on open
//   - Routes inbound frames to the subscription registry by type
package connection
