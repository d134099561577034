package dbconn

import (
	"context"
	"errors"
	"io"
	"sync"
)

// FakeConn is an in-memory DBConn double for tests that need to drive
// the dispatcher and workers without a real Postgres instance. It
// records every statement it was asked to run and lets a test script
// specific calls to fail, by statement index, with a chosen error.
type FakeConn struct {
	mu sync.Mutex

	Execs      []string
	Isolations []string
	Resets     int
	Closed     bool

	// FailExecAt maps a 0-based call index (per statement, across the
	// whole connection's lifetime) to the error that call should
	// return instead of succeeding.
	FailExecAt map[int]error
	execCalls  int

	CopyRows map[string][]Row // keyed by "schema.table"
}

// NewFake creates an empty FakeConn.
func NewFake() *FakeConn {
	return &FakeConn{
		FailExecAt: make(map[int]error),
		CopyRows:   make(map[string][]Row),
	}
}

// Exec implements DBConn.
func (f *FakeConn) Exec(_ context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.execCalls
	f.execCalls++
	f.Execs = append(f.Execs, sql)

	if err, ok := f.FailExecAt[idx]; ok {
		return err
	}
	return nil
}

// CopyFrom implements DBConn by draining rows into an in-memory slice.
func (f *FakeConn) CopyFrom(_ context.Context, schema, table string, _ []string, rows RowSource) (int64, error) {
	var n int64
	key := schema + "." + table
	for {
		row, err := rows()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		f.mu.Lock()
		f.CopyRows[key] = append(f.CopyRows[key], row)
		f.mu.Unlock()
		n++
	}
	return n, nil
}

// SetSessionIsolation implements DBConn.
func (f *FakeConn) SetSessionIsolation(_ context.Context, level string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Isolations = append(f.Isolations, level)
	return nil
}

// Reset implements DBConn.
func (f *FakeConn) Reset(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resets++
	return nil
}

// Close implements DBConn.
func (f *FakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
}

// ExecCount reports how many Exec calls have been made so far.
func (f *FakeConn) ExecCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

var _ DBConn = (*FakeConn)(nil)
