package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/loadsched/loadsched/internal/restoreerr"
)

// PgxConn is the production DBConn: a single dedicated pgx connection
// (never a pool) for DDL and row-level Exec, plus a lazily-opened
// lib/pq *sql.DB on the same DSN used only for the COPY FROM STDIN bulk
// path, where lib/pq's pq.CopyIn gives a simpler streaming protocol than
// pgx's own CopyFrom when the source is already materialized in memory
// batches the way the data worker builds them.
type PgxConn struct {
	dsn  string
	conn *pgx.Conn

	pqDB *sql.DB

	classifier *restoreerr.Classifier
}

// Dial opens a fresh dedicated connection to dsn.
func Dial(ctx context.Context, dsn string, classifier *restoreerr.Classifier) (*PgxConn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: connect: %w", err)
	}
	return &PgxConn{dsn: dsn, conn: conn, classifier: classifier}, nil
}

// Exec implements DBConn.
func (c *PgxConn) Exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql)
	if err != nil {
		return fmt.Errorf("dbconn: exec: %w", err)
	}
	return nil
}

// SetSessionIsolation implements DBConn.
func (c *PgxConn) SetSessionIsolation(ctx context.Context, level string) error {
	stmt := fmt.Sprintf("SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL %s", level)
	_, err := c.conn.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("dbconn: set isolation: %w", err)
	}
	return nil
}

// Reset implements DBConn: it closes the current session (best effort)
// and opens a new one against the same DSN. Called by the retry loop
// after a connection-lost error and on its scheduled reconnect attempts.
func (c *PgxConn) Reset(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close(ctx)
	}
	if c.pqDB != nil {
		_ = c.pqDB.Close()
		c.pqDB = nil
	}
	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return fmt.Errorf("dbconn: reset: %w", err)
	}
	c.conn = conn
	return nil
}

// Close implements DBConn.
func (c *PgxConn) Close() {
	if c.conn != nil {
		_ = c.conn.Close(context.Background())
	}
	if c.pqDB != nil {
		_ = c.pqDB.Close()
	}
}

// CopyFrom implements DBConn using lib/pq's CopyIn protocol on a
// separate connection, since lib/pq and pgx cannot share a wire
// connection.
func (c *PgxConn) CopyFrom(ctx context.Context, schema, table string, columns []string, rows RowSource) (int64, error) {
	db, err := c.pqConn()
	if err != nil {
		return 0, err
	}

	txn, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("dbconn: copy begin: %w", err)
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyInSchema(schema, table, columns...))
	if err != nil {
		_ = txn.Rollback()
		return 0, fmt.Errorf("dbconn: copy prepare: %w", err)
	}

	var n int64
	for {
		row, err := rows()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			_ = stmt.Close()
			_ = txn.Rollback()
			return n, fmt.Errorf("dbconn: copy source: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = stmt.Close()
			_ = txn.Rollback()
			return n, fmt.Errorf("dbconn: copy row: %w", err)
		}
		n++
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		_ = txn.Rollback()
		return n, fmt.Errorf("dbconn: copy flush: %w", err)
	}
	if err := stmt.Close(); err != nil {
		_ = txn.Rollback()
		return n, fmt.Errorf("dbconn: copy close: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return n, fmt.Errorf("dbconn: copy commit: %w", err)
	}
	return n, nil
}

func (c *PgxConn) pqConn() (*sql.DB, error) {
	if c.pqDB != nil {
		return c.pqDB, nil
	}
	db, err := sql.Open("postgres", c.dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: open lib/pq: %w", err)
	}
	db.SetMaxOpenConns(1)
	c.pqDB = db
	return db, nil
}

// Classify reports the portable ErrorKind for an error returned by any
// method on c.
func (c *PgxConn) Classify(err error) restoreerr.ErrorKind {
	return c.classifier.Classify(err)
}
