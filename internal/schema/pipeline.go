// Package schema buffers and releases the jobs that build the target's
// schema: CREATE DATABASE/SCHEMA, CREATE TABLE, CREATE SEQUENCE, and the
// post-data ALTER statements. Its one invariant is the spec's core
// ordering rule: a CREATE TABLE (or CREATE SEQUENCE) job for a database
// that isn't visible yet is buffered on that database's pending queue
// instead of being handed to a schema worker, and the whole buffer is
// released atomically, exactly once, the instant the database becomes
// visible.
package schema

import (
	"sync"

	"github.com/loadsched/loadsched/internal/jobs"
	"github.com/loadsched/loadsched/internal/registry"
)

// Pipeline owns the schema job queue schema workers pull from. Closing
// the queue has to wait for every CREATE_DATABASE job's eventual pending-
// queue drain, which runs asynchronously from a schema worker goroutine
// well after Close is called, so the channel itself cannot just be
// closed the moment the caller is done enqueuing: pendingDatabases counts
// those outstanding drains and the physical close is deferred until the
// last one finishes.
type Pipeline struct {
	registry *registry.Registry
	jobsCh   chan *jobs.Job

	mu               sync.Mutex
	pendingDatabases int
	closeRequested   bool
	closed           bool
}

// New creates a Pipeline backed by reg. queueSize bounds how many schema
// jobs may be buffered in the channel before EnqueueDatabaseJob and the
// pending-queue drain in MarkDatabaseCreated block.
func New(reg *registry.Registry, queueSize int) *Pipeline {
	return &Pipeline{
		registry: reg,
		jobsCh:   make(chan *jobs.Job, queueSize),
	}
}

// Jobs returns the channel schema workers range over.
func (p *Pipeline) Jobs() <-chan *jobs.Job {
	return p.jobsCh
}

// Close signals that no more schema jobs will be enqueued. It returns
// immediately; the channel itself is only physically closed once every
// database submitted through EnqueueDatabaseJob has had its
// MarkDatabaseCreated drain run, since that drain can still send jobs
// after Close is called.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeRequested = true
	p.closeLocked()
}

// closeLocked physically closes jobsCh once closing has been requested
// and every outstanding database drain has completed. Caller must hold
// p.mu.
func (p *Pipeline) closeLocked() {
	if p.closed || !p.closeRequested || p.pendingDatabases > 0 {
		return
	}
	p.closed = true
	close(p.jobsCh)
}

// EnqueueDatabaseJob submits a CREATE_DATABASE job unconditionally: a
// database-defining statement never waits on anything upstream of it. It
// registers the database as a pending drain so Close will not close the
// channel out from under the MarkDatabaseCreated call this job's
// eventual success triggers.
func (p *Pipeline) EnqueueDatabaseJob(j *jobs.Job) {
	p.mu.Lock()
	p.pendingDatabases++
	p.mu.Unlock()

	p.jobsCh <- j
}

// EnqueueTableJob submits a CREATE_TABLE/CREATE_SEQUENCE/ALTER_POST_DATA
// job. If the job's target database has not yet been created, the job
// is buffered on that database's pending queue instead of being handed
// to a worker.
func (p *Pipeline) EnqueueTableJob(j *jobs.Job) {
	db := p.registry.GetOrCreateDatabase(j.Database)

	db.Lock()
	if db.StateLocked() != registry.DatabaseCreated {
		db.PushPendingLocked(j)
		db.Unlock()
		return
	}
	db.Unlock()

	p.jobsCh <- j
}

// MarkDatabaseCreated is called by a schema worker once its
// CREATE_DATABASE job has committed. It is idempotent: a database can
// only ever drain its pending queue once, since a second call observes
// the state already at DatabaseCreated and returns immediately. The
// drain counts as this database's EnqueueDatabaseJob call finishing, so
// it clears the one pending-drain slot that call reserved; a deferred
// Close may complete right here if this was the last one outstanding.
func (p *Pipeline) MarkDatabaseCreated(name string) {
	db := p.registry.GetOrCreateDatabase(name)

	db.Lock()
	if db.StateLocked() == registry.DatabaseCreated {
		db.Unlock()
		return
	}
	db.SetStateLocked(registry.DatabaseCreated)
	drained := db.DrainPendingLocked()
	db.Unlock()

	for _, j := range drained {
		p.jobsCh <- j
	}

	p.databaseDrained()
}

// DatabaseJobFailed is called by a schema worker when a CREATE_DATABASE
// job exhausts its retry budget. The database never reaches CREATED and
// its pending table queue is left to rot, but the drain this database
// owed Close is still released: without this, Close would wait forever
// for a drain that will never come.
func (p *Pipeline) DatabaseJobFailed(name string) {
	p.databaseDrained()
}

// databaseDrained releases the one outstanding drain a successful
// EnqueueDatabaseJob call reserved, closing jobsCh if that was the last
// one outstanding and Close has already been requested.
func (p *Pipeline) databaseDrained() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingDatabases--
	p.closeLocked()
}

// MarkTableCreated is called by a schema worker once its CREATE_TABLE
// (or CREATE_SEQUENCE) job has committed. It flips the table to
// TableCreated and, under the same lock, re-checks whether the table
// now qualifies for the ready queue — it may already have RESTORE_DATA
// jobs queued from a data file the scanner found before the schema job
// ran.
func (p *Pipeline) MarkTableCreated(schemaName, table string) {
	t := p.registry.GetOrCreateTable(schemaName, table, 0)
	t.Lock()
	t.SetStateLocked(registry.TableCreated)
	t.NotifyReadyLocked()
	t.Unlock()
}

// MarkTableFailed moves a table straight to its terminal failure state,
// used when a CREATE_TABLE job exhausts its retry budget. The remaining
// job count is left as it is; the dispatcher's drain detection skips
// failed tables, so a failed table never blocks it.
func (p *Pipeline) MarkTableFailed(schemaName, table string) {
	t := p.registry.GetOrCreateTable(schemaName, table, 0)
	t.Lock()
	t.SetStateLocked(registry.TableFailed)
	t.Unlock()
}
