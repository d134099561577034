// Package dbconn wraps the target database connection the dispatcher's
// workers use to run DDL and load data. Every worker holds one dedicated
// DBConn for its lifetime rather than borrowing from a shared pool: the
// scheduler depends on READ COMMITTED visibility and on being able to
// force a full reconnect after a connection-lost error, neither of which
// plays well with a pool silently handing a different backend to the
// next query.
package dbconn

import (
	"context"
)

// Row is one tuple of column values for a bulk COPY load.
type Row []any

// RowSource streams rows for CopyFrom. It returns io.EOF once no rows
// remain; any other error aborts the load.
type RowSource func() (Row, error)

// DBConn is everything a worker needs from the target connection. The
// real implementation is PgxConn; tests substitute FakeConn.
type DBConn interface {
	// Exec runs a single statement with no expectation of returned rows
	// (CREATE TABLE, CREATE INDEX, ALTER TABLE, INSERT, ...).
	Exec(ctx context.Context, sql string) error

	// CopyFrom bulk-loads rows into schema.table over the COPY FROM
	// STDIN protocol and returns the number of rows loaded.
	CopyFrom(ctx context.Context, schema, table string, columns []string, rows RowSource) (int64, error)

	// SetSessionIsolation sets the isolation level for every statement
	// run on this connection until changed again.
	SetSessionIsolation(ctx context.Context, level string) error

	// Reset tears down and re-establishes the underlying connection.
	// Called by the retry loop after a classified connection-lost error
	// and before each of its scheduled reconnect attempts, so the next
	// try runs against a fresh session rather than a stale one.
	Reset(ctx context.Context) error

	// Close releases the connection for good.
	Close()
}

// ReadCommitted is the isolation level the dispatcher requires on every
// worker connection: DDL committed by one session must become visible
// to another session's next statement without it needing to start a
// fresh transaction.
const ReadCommitted = "READ COMMITTED"
