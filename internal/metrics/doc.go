// Package metrics exports session activity as Prometheus metrics.
//
// Collector implements connection.Observer. Metrics:
//   - pushsession_connection_state{state}: 1 for the current state
//   - pushsession_reconnects_total: reconnects scheduled
//   - pushsession_frames_received_total{type}: inbound frames by type
//   - pushsession_decode_errors_total: frames that were not valid JSON
//   - pushsession_outbound_queue_depth: frames waiting for the connection
//   - pushsession_heartbeat_timeouts_total: connections dropped for missed acks
package metrics
