// Package jobs defines the restore job, the unit of work the scheduler
// moves between queues. A job never carries a pointer back into the
// registry: it is addressed by database/table name so that this package
// has no dependency on registry, schema, or dispatcher.
package jobs

import (
	"github.com/google/uuid"
)

// Kind tags what a Job asks a worker to do.
type Kind int

const (
	CreateDatabase Kind = iota
	CreateTable
	CreateSequence
	CreateIndex
	RestoreData
	AlterPostData
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case CreateDatabase:
		return "CREATE_DATABASE"
	case CreateTable:
		return "CREATE_TABLE"
	case CreateSequence:
		return "CREATE_SEQUENCE"
	case CreateIndex:
		return "CREATE_INDEX"
	case RestoreData:
		return "RESTORE_DATA"
	case AlterPostData:
		return "ALTER_POST_DATA"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Compression identifies the archive format a RESTORE_DATA job's file is
// stored in. None means the file is read directly with no subprocess.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

// Job is one unit of restore work pulled from the dump.
//
// SQL, when set, carries the job's literal statement(s) and is run
// instead of reading FilePath. FilePath identifies the job's source
// file. Offset is carried on the job but nothing reads it: a job always
// runs its whole file.
type Job struct {
	ID          uuid.UUID
	Kind        Kind
	Database    string
	Table       string
	SQL         string
	FilePath    string
	Offset      int64
	Compression Compression
}

// New stamps a fresh Job with a random ID for log correlation.
func New(kind Kind, database, table string) *Job {
	return &Job{
		ID:       uuid.New(),
		Kind:     kind,
		Database: database,
		Table:    table,
	}
}

// IsNull reports whether j is nil. The scheduler never pushes a nil
// job as a sentinel standing in for real work (spec invariant: no queue
// ever carries a null placeholder) — this helper exists so callers can
// assert that invariant in tests rather than relying on it by convention.
func IsNull(j *Job) bool {
	return j == nil
}
