// Package journal persists session state transitions to PostgreSQL.
//
// Writer is a connection.Observer. Transitions are buffered in memory and
// inserted in batches, append-only, into the session_events table.
package journal
