// Package registry holds the in-memory descriptors for every database and
// table discovered in the dump, and the state machines that drive them
// from NOT_FOUND through to ALL_DONE. Nothing in this package touches a
// network connection or a file; it is pure bookkeeping, guarded by
// per-object mutexes so schema workers, data workers, and the dispatch
// loop can all poke at it concurrently.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/loadsched/loadsched/internal/jobs"
)

// DatabaseState tracks a single schema (database) through its lifecycle.
type DatabaseState int32

const (
	DatabaseNotFound DatabaseState = iota
	DatabaseNotCreated
	DatabaseCreating
	DatabaseCreated
)

func (s DatabaseState) String() string {
	switch s {
	case DatabaseNotFound:
		return "NOT_FOUND"
	case DatabaseNotCreated:
		return "NOT_CREATED"
	case DatabaseCreating:
		return "CREATING"
	case DatabaseCreated:
		return "CREATED"
	default:
		return "UNKNOWN"
	}
}

// TableState tracks a single table through its lifecycle. The ordering
// matches forward progress: a table's state only ever increases, except
// for the terminal TableFailed sink which can be reached from any state
// short of AllDone.
type TableState int32

const (
	TableNotCreated TableState = iota
	TableCreating
	TableCreated
	TableDataDone
	TableIndexEnqueued
	TableAllDone
	TableFailed
)

func (s TableState) String() string {
	switch s {
	case TableNotCreated:
		return "NOT_CREATED"
	case TableCreating:
		return "CREATING"
	case TableCreated:
		return "CREATED"
	case TableDataDone:
		return "DATA_DONE"
	case TableIndexEnqueued:
		return "INDEX_ENQUEUED"
	case TableAllDone:
		return "ALL_DONE"
	case TableFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Database is the descriptor for one logical schema in the target. Its
// pendingTableQueue buffers jobs for tables whose CREATE TABLE raced
// ahead of the CREATE DATABASE / CREATE SCHEMA statement for their
// parent: nothing may be dispatched out of that queue until the database
// itself is visible.
type Database struct {
	sync.Mutex

	Name string

	state             DatabaseState
	pendingTableQueue []*jobs.Job
}

// StateLocked returns the current state. Caller must hold d's lock.
func (d *Database) StateLocked() DatabaseState { return d.state }

// SetStateLocked sets the state. Caller must hold d's lock.
func (d *Database) SetStateLocked(s DatabaseState) { d.state = s }

// PushPendingLocked buffers a table-scoped job until the database is
// created. Caller must hold d's lock.
func (d *Database) PushPendingLocked(j *jobs.Job) {
	d.pendingTableQueue = append(d.pendingTableQueue, j)
}

// DrainPendingLocked returns and clears the buffered jobs. Caller must
// hold d's lock. Used exactly once, the instant the database transitions
// to CREATED, so that no job sits in the buffer twice.
func (d *Database) DrainPendingLocked() []*jobs.Job {
	drained := d.pendingTableQueue
	d.pendingTableQueue = nil
	return drained
}

// ReadyNotifier is how a Table announces that it has become eligible for
// dispatch. Registry never imports the queue package — the queue imports
// registry and implements this interface instead — to keep the
// dependency graph a line, not a cycle.
type ReadyNotifier interface {
	// TryEnqueueReady is called with t's lock already held. It must not
	// attempt to lock t again.
	TryEnqueueReady(t *Table)
}

// Table is the descriptor for one table (or view, or sequence) in the
// dump. Every field below the embedded mutex requires the lock to read
// or write; the *Locked methods document that contract in their name.
type Table struct {
	sync.Mutex

	Database   *Database
	Schema     string
	Name       string
	IsView     bool
	IsSequence bool
	NoData     bool
	MaxThreads int

	Cond *sync.Cond

	state          TableState
	jobList        []*jobs.Job
	currentThreads int
	inReadyQueue   bool
	remainingJobs  atomic.Int64

	// postJobs holds CREATE_INDEX / ALTER_POST_DATA jobs discovered for
	// this table. They are held separately from jobList because they
	// run in their own worker pool (max_threads_for_index_creation),
	// only after every RESTORE_DATA job for the table has finished.
	postJobs        []*jobs.Job
	remainingPost   atomic.Int64

	ready ReadyNotifier
}

func newTable(db *Database, schema, name string, maxThreads int, ready ReadyNotifier) *Table {
	t := &Table{
		Database:   db,
		Schema:     schema,
		Name:       name,
		MaxThreads: maxThreads,
		ready:      ready,
	}
	t.Cond = sync.NewCond(t)
	return t
}

// StateLocked returns the table's current state. Caller must hold t's lock.
func (t *Table) StateLocked() TableState { return t.state }

// SetStateLocked transitions the table and wakes anyone waiting on Cond.
// Caller must hold t's lock.
func (t *Table) SetStateLocked(s TableState) {
	t.state = s
	t.Cond.Broadcast()
}

// ReadyLocked reports whether the table currently qualifies for the ready
// queue: schema visible, a real data-bearing table, not already enqueued,
// and under its own concurrency cap. Caller must hold t's lock.
func (t *Table) ReadyLocked() bool {
	if t.inReadyQueue {
		return false
	}
	if t.IsView || t.IsSequence || t.NoData {
		return false
	}
	if t.state != TableCreated && t.state != TableDataDone {
		return false
	}
	if len(t.jobList) == 0 {
		return false
	}
	if t.MaxThreads > 0 && t.currentThreads >= t.MaxThreads {
		return false
	}
	return true
}

// WaitUntilSchemaVisibleLocked blocks until the table has reached at
// least CREATED, waking on every SetStateLocked broadcast. It is the
// defensive barrier a data worker runs before executing a job: ready-
// queue membership already implies the schema is visible, so this is
// normally a no-op, but it guards a re-dispatched or retried job against
// racing ahead of a schema transition it should have waited for. Caller
// must hold t's lock; it is released and re-acquired internally while
// waiting.
func (t *Table) WaitUntilSchemaVisibleLocked() {
	for t.state < TableCreated {
		t.Cond.Wait()
	}
}

// NotifyReadyLocked re-checks readiness and enqueues t if eligible. It is
// exposed so callers outside this package (the schema pipeline, after a
// CREATE TABLE succeeds) can trigger the same check PushJobLocked and
// DecCurrentThreadsLocked already perform internally. Caller must hold
// t's lock.
func (t *Table) NotifyReadyLocked() {
	if t.ready != nil {
		t.ready.TryEnqueueReady(t)
	}
}

// InReadyQueueLocked reports the table's ready-queue membership flag.
// Caller must hold t's lock.
func (t *Table) InReadyQueueLocked() bool { return t.inReadyQueue }

// SetInReadyQueueLocked sets the ready-queue membership flag. Caller must
// hold t's lock.
func (t *Table) SetInReadyQueueLocked(v bool) { t.inReadyQueue = v }

// PushJobLocked appends a job to the table's FIFO restore job list and
// notifies the ready queue if this makes the table eligible. Caller must
// hold t's lock.
func (t *Table) PushJobLocked(j *jobs.Job) {
	t.jobList = append(t.jobList, j)
	t.remainingJobs.Add(1)
	if t.ready != nil && t.ReadyLocked() {
		t.ready.TryEnqueueReady(t)
	}
}

// PopJobLocked removes and returns the head of the job list, or reports
// ok=false if empty. Caller must hold t's lock.
func (t *Table) PopJobLocked() (j *jobs.Job, ok bool) {
	if len(t.jobList) == 0 {
		return nil, false
	}
	j = t.jobList[0]
	t.jobList = t.jobList[1:]
	return j, true
}

// JobCountLocked returns the number of jobs still queued. Caller must
// hold t's lock.
func (t *Table) JobCountLocked() int { return len(t.jobList) }

// CurrentThreadsLocked returns the number of workers currently processing
// this table. Caller must hold t's lock.
func (t *Table) CurrentThreadsLocked() int { return t.currentThreads }

// IncCurrentThreadsLocked increments the in-flight worker count. Caller
// must hold t's lock.
func (t *Table) IncCurrentThreadsLocked() { t.currentThreads++ }

// DecCurrentThreadsLocked decrements the in-flight worker count and
// re-checks readiness, re-enqueuing the table if more jobs remain.
// Caller must hold t's lock.
func (t *Table) DecCurrentThreadsLocked() {
	t.currentThreads--
	if t.ready != nil {
		t.ready.TryEnqueueReady(t)
	}
}

// RemainingJobs returns the atomic outstanding-job count. Safe to call
// without holding the lock; used by the drain detector.
func (t *Table) RemainingJobs() int64 { return t.remainingJobs.Load() }

// JobDoneLocked decrements the outstanding-job counter. Caller must hold
// t's lock (it is always called right after a job finishes, alongside
// other locked bookkeeping).
func (t *Table) JobDoneLocked() { t.remainingJobs.Add(-1) }

// PushPostJobLocked buffers a CREATE_INDEX / ALTER_POST_DATA job for
// release once the table's data load finishes. Caller must hold t's
// lock.
func (t *Table) PushPostJobLocked(j *jobs.Job) {
	t.postJobs = append(t.postJobs, j)
	t.remainingPost.Add(1)
}

// DrainPostJobsLocked returns and clears the buffered post-data jobs.
// Caller must hold t's lock.
func (t *Table) DrainPostJobsLocked() []*jobs.Job {
	drained := t.postJobs
	t.postJobs = nil
	return drained
}

// RemainingPostJobs returns the atomic outstanding-post-job count. Safe
// to call without holding the lock.
func (t *Table) RemainingPostJobs() int64 { return t.remainingPost.Load() }

// PostJobDone decrements the outstanding-post-job counter and reports
// whether that was the last one. Safe to call without holding t's lock;
// it is used from the index worker pool, independent of the data-worker
// bookkeeping the *Locked methods protect.
func (t *Table) PostJobDone() (wasLast bool) {
	return t.remainingPost.Add(-1) == 0
}

type tableKey struct {
	schema string
	name   string
}

// Registry is the top-level lookup table for every Database and Table
// descriptor, guarded by a single RWMutex (the "table list mutex" in the
// lock-ordering discipline: always acquired before any individual
// Database or Table mutex, and never while holding one).
type Registry struct {
	mu        sync.RWMutex
	databases map[string]*Database
	tables    map[tableKey]*Table
	order     []*Table

	notifier ReadyNotifier
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		databases: make(map[string]*Database),
		tables:    make(map[tableKey]*Table),
	}
}

// SetReadyNotifier wires the ready queue in. Must be called before any
// GetOrCreateTable call, since the notifier is captured at table
// creation time.
func (r *Registry) SetReadyNotifier(n ReadyNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// GetOrCreateDatabase returns the Database descriptor for name, creating
// it (in NOT_FOUND state) on first reference.
func (r *Registry) GetOrCreateDatabase(name string) *Database {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.databases[name]; ok {
		return d
	}
	d := &Database{Name: name}
	r.databases[name] = d
	return d
}

// GetOrCreateTable returns the Table descriptor for (schema, name),
// creating it on first reference. maxThreads is only honored on the
// first call; later calls ignore it.
func (r *Registry) GetOrCreateTable(schema, name string, maxThreads int) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tableKey{schema, name}
	if t, ok := r.tables[key]; ok {
		return t
	}
	db := r.databases[schema]
	if db == nil {
		db = &Database{Name: schema}
		r.databases[schema] = db
	}
	t := newTable(db, schema, name, maxThreads, r.notifier)
	r.tables[key] = t
	r.order = append(r.order, t)
	return t
}

// Snapshot returns a stable-ordered copy of every known table, for the
// slow-path table-list scan the dispatcher falls back to when the ready
// queue runs dry but work may still remain.
func (r *Registry) Snapshot() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Table, len(r.order))
	copy(out, r.order)
	return out
}

// Databases returns a copy of every known database, in no particular
// order.
func (r *Registry) Databases() []*Database {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Database, 0, len(r.databases))
	for _, d := range r.databases {
		out = append(out, d)
	}
	return out
}
