// Package worker runs the SQL side-effects of a job against a dedicated
// DBConn: reading the job's source file (if any) through the
// decompression pool, splitting it into individual statements, and
// executing each one with the retry-with-reconnect policy. It is
// deliberately connection- and queue-agnostic — the dispatcher decides
// which goroutine pool feeds which jobs to a Runner; this package only
// knows how to discharge one job at a time.
package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/loadsched/loadsched/internal/dbconn"
	"github.com/loadsched/loadsched/internal/decompress"
	"github.com/loadsched/loadsched/internal/jobs"
	"github.com/loadsched/loadsched/internal/restoreerr"
	"github.com/loadsched/loadsched/internal/retry"
	"github.com/loadsched/loadsched/internal/sqlsplit"
)

// Role tags which concurrency pool a worker goroutine belongs to, for
// logging and for config (max_threads_for_schema_creation,
// max_threads_for_index_creation, and the general data-worker thread
// count are three independently sized pools running the same Runner).
type Role int

const (
	RoleSchema Role = iota
	RoleData
	RoleIndex
)

func (r Role) String() string {
	switch r {
	case RoleSchema:
		return "schema"
	case RoleData:
		return "data"
	case RoleIndex:
		return "index"
	default:
		return "unknown"
	}
}

// Runner executes one job's statements against a connection, retrying
// per-statement on a retriable classified error.
type Runner struct {
	Classifier *restoreerr.Classifier
	Policy     retry.Policy
	Decompress *decompress.Pool
}

// NewRunner builds a Runner with the given policy dependencies.
func NewRunner(classifier *restoreerr.Classifier, policy retry.Policy, pool *decompress.Pool) *Runner {
	return &Runner{Classifier: classifier, Policy: policy, Decompress: pool}
}

// RunSchema executes every statement in a CREATE_DATABASE, CREATE_TABLE,
// CREATE_SEQUENCE, CREATE_INDEX, or ALTER_POST_DATA job.
func (r *Runner) RunSchema(ctx context.Context, conn dbconn.DBConn, j *jobs.Job) error {
	statements, err := r.statementsFor(ctx, j)
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		stmt := stmt
		err := retry.Do(ctx, r.Policy, r.Classifier, reconnector(conn), func() error {
			return conn.Exec(ctx, stmt)
		})
		if err != nil {
			return fmt.Errorf("worker: schema job %s/%s: %w", j.Database, j.Table, err)
		}
	}
	return nil
}

// RunData executes every statement in a RESTORE_DATA job, preferring a
// bulk COPY load for plain multi-row INSERT statements and falling back
// to a normal Exec for anything else (DELETE/UPDATE housekeeping
// statements some dumps interleave, or INSERT forms this package's
// minimal parser doesn't recognize). It returns the total row count
// loaded via the bulk path.
func (r *Runner) RunData(ctx context.Context, conn dbconn.DBConn, j *jobs.Job) (int64, error) {
	statements, err := r.statementsFor(ctx, j)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, stmt := range statements {
		stmt := stmt
		err := retry.Do(ctx, r.Policy, r.Classifier, reconnector(conn), func() error {
			ins, ok := parseInsert(stmt)
			if !ok {
				return conn.Exec(ctx, stmt)
			}
			n, err := conn.CopyFrom(ctx, j.Database, ins.table, ins.columns, ins.rowSource())
			if err != nil {
				return err
			}
			total += n
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("worker: data job %s/%s: %w", j.Database, j.Table, err)
		}
	}
	return total, nil
}

// statementsFor resolves a job's SQL text, either inline (j.SQL) or from
// its source file, decompressing it through the pool first.
func (r *Runner) statementsFor(ctx context.Context, j *jobs.Job) ([]string, error) {
	if j.SQL != "" {
		return sqlsplit.Split(j.SQL), nil
	}
	if j.FilePath == "" {
		return nil, nil
	}

	stream, err := r.Decompress.Open(ctx, j.FilePath, j.Compression)
	if err != nil {
		return nil, fmt.Errorf("worker: open %s: %w", j.FilePath, err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("worker: read %s: %w", j.FilePath, err)
	}
	return sqlsplit.Split(string(data)), nil
}

func reconnector(conn dbconn.DBConn) func(context.Context) error {
	return func(ctx context.Context) error {
		return conn.Reset(ctx)
	}
}
