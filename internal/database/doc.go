// Package database provides the PostgreSQL connection pool used by the
// session journal.
package database
