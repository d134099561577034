// Package dispatcher is the control loop that ties every other package
// together: it takes a scanned dump's FileRecords, enqueues them as
// jobs against the registry and schema pipeline, then runs the
// schema/data/index worker pools to completion, preferring the ready
// queue's O(1) fast path and falling back to a periodic table-list
// rescan for any table whose readiness notification was missed.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loadsched/loadsched/internal/config"
	"github.com/loadsched/loadsched/internal/dbconn"
	"github.com/loadsched/loadsched/internal/jobs"
	"github.com/loadsched/loadsched/internal/progress"
	"github.com/loadsched/loadsched/internal/queue"
	"github.com/loadsched/loadsched/internal/registry"
	"github.com/loadsched/loadsched/internal/restoreerr"
	"github.com/loadsched/loadsched/internal/scanner"
	"github.com/loadsched/loadsched/internal/schema"
	"github.com/loadsched/loadsched/internal/worker"
)

// drainPollInterval bounds how long the dispatch loop can sit idle
// before re-checking whether every table has reached a terminal state.
// It is independent of config.TableRefreshInterval, which governs the
// slow-path ready-queue rescan, not drain detection.
const drainPollInterval = 200 * time.Millisecond

// ConnFactory opens one dedicated connection for one worker goroutine.
// Called once per goroutine at pool startup, never shared.
type ConnFactory func(ctx context.Context, role worker.Role) (dbconn.DBConn, error)

type dataJob struct {
	table *registry.Table
	job   *jobs.Job
}

type indexJob struct {
	table *registry.Table
	job   *jobs.Job
}

// Dispatcher owns the registry, ready queue, schema pipeline, and
// worker pools for a single restore run.
type Dispatcher struct {
	Registry       *registry.Registry
	Ready          *queue.ReadyQueue
	SchemaPipeline *schema.Pipeline
	Runner         *worker.Runner
	Conn           ConnFactory
	Progress       *progress.Bus
	Config         *config.Config

	indexJobs chan indexJob
}

// New builds a Dispatcher wired to the given registry/queue/pipeline.
// Conn is called once per worker goroutine to obtain its dedicated
// connection.
func New(reg *registry.Registry, ready *queue.ReadyQueue, pipeline *schema.Pipeline, runner *worker.Runner, conn ConnFactory, prog *progress.Bus, cfg *config.Config) *Dispatcher {
	indexPoolSize := cfg.MaxThreadsForIndexCreation
	if indexPoolSize < 1 {
		indexPoolSize = 1
	}
	return &Dispatcher{
		Registry:       reg,
		Ready:          ready,
		SchemaPipeline: pipeline,
		Runner:         runner,
		Conn:           conn,
		Progress:       prog,
		Config:         cfg,
		indexJobs:      make(chan indexJob, indexPoolSize*4),
	}
}

// Enqueue turns a scanner.FileRecord inventory into registry state and
// schema-pipeline/table job-list entries, honoring NoData (data files
// are never turned into jobs) and NoSchemas (databases and tables are
// marked CREATED immediately, skipping DDL execution entirely).
func (d *Dispatcher) Enqueue(ctx context.Context, records []scanner.FileRecord) {
	for _, rec := range records {
		switch rec.Kind {
		case scanner.KindSchemaCreateDatabase:
			d.enqueueDatabase(ctx, rec)
		case scanner.KindTableSchema, scanner.KindViewSchema:
			d.enqueueTableSchema(ctx, rec)
		case scanner.KindPostData:
			d.enqueuePostData(rec)
		case scanner.KindTableData:
			d.enqueueTableData(rec)
		}
	}
}

func (d *Dispatcher) enqueueDatabase(ctx context.Context, rec scanner.FileRecord) {
	if d.Config.NoSchemas {
		db := d.Registry.GetOrCreateDatabase(rec.Database)
		db.Lock()
		already := db.StateLocked() == registry.DatabaseCreated
		if !already {
			db.SetStateLocked(registry.DatabaseCreated)
		}
		drained := db.DrainPendingLocked()
		db.Unlock()
		if !already {
			d.Progress.Publish(ctx, progress.Event{Type: progress.DatabaseCreated, Database: rec.Database})
		}
		for _, j := range drained {
			d.SchemaPipeline.EnqueueTableJob(j)
		}
		return
	}

	j := jobs.New(jobs.CreateDatabase, rec.Database, "")
	j.FilePath = rec.Path
	j.Compression = rec.Compression
	d.SchemaPipeline.EnqueueDatabaseJob(j)
}

func (d *Dispatcher) enqueueTableSchema(ctx context.Context, rec scanner.FileRecord) {
	t := d.Registry.GetOrCreateTable(rec.Database, rec.Table, 0)
	t.Lock()
	if rec.Kind == scanner.KindViewSchema {
		t.IsView = true
	}
	t.Unlock()

	if d.Config.NoSchemas {
		d.markTableCreated(ctx, rec.Database, rec.Table)
		return
	}

	kind := jobs.CreateTable
	j := jobs.New(kind, rec.Database, rec.Table)
	j.FilePath = rec.Path
	j.Compression = rec.Compression
	d.SchemaPipeline.EnqueueTableJob(j)
}

func (d *Dispatcher) enqueuePostData(rec scanner.FileRecord) {
	j := jobs.New(jobs.AlterPostData, rec.Database, rec.Table)
	j.FilePath = rec.Path
	j.Compression = rec.Compression

	t := d.Registry.GetOrCreateTable(rec.Database, rec.Table, 0)
	t.Lock()
	t.PushPostJobLocked(j)
	t.Unlock()
}

func (d *Dispatcher) enqueueTableData(rec scanner.FileRecord) {
	if d.Config.NoData {
		return
	}
	j := jobs.New(jobs.RestoreData, rec.Database, rec.Table)
	j.FilePath = rec.Path
	j.Compression = rec.Compression

	t := d.Registry.GetOrCreateTable(rec.Database, rec.Table, 0)
	t.Lock()
	t.PushJobLocked(j)
	t.Unlock()
}

// Run drives the schema, data, and index worker pools until every known
// table reaches a terminal state (ALL_DONE or FAILED) or ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	out := make(chan dataJob, d.Config.Threads)

	g.Go(func() error { return d.dispatchLoop(ctx, out) })

	for i := 0; i < d.Config.MaxThreadsForSchemaCreation; i++ {
		g.Go(func() error { return d.schemaWorker(ctx) })
	}
	for i := 0; i < d.Config.Threads; i++ {
		g.Go(func() error { return d.dataWorker(ctx, out) })
	}
	for i := 0; i < d.Config.MaxThreadsForIndexCreation; i++ {
		g.Go(func() error { return d.indexWorker(ctx) })
	}

	return g.Wait()
}

// dispatchLoop is the fast-path/slow-path selector: try_pop(ready_queue)
// first; when it runs dry, either the run is fully drained or the loop
// waits for a wake signal, a poll tick, or cancellation.
func (d *Dispatcher) dispatchLoop(ctx context.Context, out chan<- dataJob) error {
	defer close(out)
	defer close(d.indexJobs)

	poll := time.NewTicker(drainPollInterval)
	defer poll.Stop()

	refreshEvery := d.Config.TableRefreshInterval
	if refreshEvery <= 0 {
		refreshEvery = 1000
	}
	dispatches := 0

	for {
		if t, ok := d.Ready.Pop(); ok {
			if d.dispatchTable(ctx, t, out) {
				dispatches++
				if dispatches%refreshEvery == 0 {
					d.slowPathScan()
				}
			}
			continue
		}

		if d.isDrained() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.Ready.WaitChannel():
		case <-poll.C:
		}
	}
}

// dispatchTable implements the fast-path protocol: clear the ready-queue
// membership flag, re-validate readiness (it may have changed between
// enqueue and pop), detach the head job, and hand it to a data worker.
func (d *Dispatcher) dispatchTable(ctx context.Context, t *registry.Table, out chan<- dataJob) bool {
	t.Lock()
	t.SetInReadyQueueLocked(false)
	if !t.ReadyLocked() {
		t.Unlock()
		return false
	}
	j, ok := t.PopJobLocked()
	if !ok {
		t.Unlock()
		return false
	}
	t.IncCurrentThreadsLocked()
	t.NotifyReadyLocked()
	t.Unlock()

	select {
	case out <- dataJob{table: t, job: j}:
		return true
	case <-ctx.Done():
		return false
	}
}

// slowPathScan re-checks every known table's readiness, the fallback
// for a table whose notification raced a DecCurrentThreadsLocked or
// MarkTableCreated call. Run every table_refresh_interval dispatches.
func (d *Dispatcher) slowPathScan() {
	for _, t := range d.Registry.Snapshot() {
		t.Lock()
		d.Ready.TryEnqueueReady(t)
		t.Unlock()
	}
}

// isDrained reports whether every known table has reached ALL_DONE or
// FAILED with no outstanding jobs. Failed tables are skipped: a
// table's error budget being exhausted must never block the rest of
// the run from completing.
func (d *Dispatcher) isDrained() bool {
	if d.Ready.Len() > 0 {
		return false
	}
	for _, t := range d.Registry.Snapshot() {
		t.Lock()
		state := t.StateLocked()
		t.Unlock()

		if state == registry.TableFailed {
			continue
		}
		if state != registry.TableAllDone {
			return false
		}
		if t.RemainingJobs() != 0 || t.RemainingPostJobs() != 0 {
			return false
		}
	}
	return true
}

func (d *Dispatcher) schemaWorker(ctx context.Context) error {
	conn, err := d.Conn(ctx, worker.RoleSchema)
	if err != nil {
		return fmt.Errorf("dispatcher: open schema connection: %w", err)
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-d.SchemaPipeline.Jobs():
			if !ok {
				return nil
			}
			d.runSchemaJob(ctx, conn, j)
		}
	}
}

func (d *Dispatcher) runSchemaJob(ctx context.Context, conn dbconn.DBConn, j *jobs.Job) {
	if j.Kind == jobs.CreateTable {
		if err := d.purgeBeforeCreate(ctx, conn, j.Database, j.Table); err != nil {
			d.SchemaPipeline.MarkTableFailed(j.Database, j.Table)
			d.Progress.Publish(ctx, progress.Event{Type: progress.TableFailed, Database: j.Database, Table: j.Table, Err: err})
			return
		}
	}

	err := d.Runner.RunSchema(ctx, conn, j)

	switch j.Kind {
	case jobs.CreateDatabase:
		if err != nil {
			d.SchemaPipeline.DatabaseJobFailed(j.Database)
			d.Progress.Publish(ctx, progress.Event{Type: progress.JobFailed, Database: j.Database, Err: err})
			return
		}
		d.SchemaPipeline.MarkDatabaseCreated(j.Database)
		d.Progress.Publish(ctx, progress.Event{Type: progress.DatabaseCreated, Database: j.Database})

	case jobs.CreateTable, jobs.CreateSequence:
		if err != nil {
			d.SchemaPipeline.MarkTableFailed(j.Database, j.Table)
			d.Progress.Publish(ctx, progress.Event{Type: progress.TableFailed, Database: j.Database, Table: j.Table, Err: err})
			return
		}
		d.markTableCreated(ctx, j.Database, j.Table)
	}
}

// purgeBeforeCreate issues the configured pre-create purge statement
// against a table that may or may not exist yet. DROP and TRUNCATE are
// executed directly; a resulting undefined-table/schema error is
// benign since the CREATE that follows will make the table from
// scratch. FAIL and NONE issue no statement here: FAIL relies on the
// CREATE TABLE itself failing with duplicate_table if a prior run left
// the table in place, which fails the table exactly as FAIL intends.
func (d *Dispatcher) purgeBeforeCreate(ctx context.Context, conn dbconn.DBConn, database, table string) error {
	if !d.Config.OverwriteTables {
		return nil
	}

	var stmt string
	switch d.Config.PurgeMode {
	case config.PurgeDrop:
		stmt = fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", database, table)
	case config.PurgeTruncate:
		stmt = fmt.Sprintf("TRUNCATE TABLE %s.%s", database, table)
	default:
		return nil
	}

	if err := conn.Exec(ctx, stmt); err != nil {
		kind := d.Runner.Classifier.Classify(err)
		if kind == restoreerr.KindUndefinedTable || kind == restoreerr.KindUndefinedSchema {
			return nil
		}
		return fmt.Errorf("dispatcher: purge %s.%s: %w", database, table, err)
	}
	return nil
}

// markTableCreated flips a table to CREATED, publishes the event, and
// immediately advances views/sequences/no_data tables (or every table,
// under the run's own NoData setting) straight past the data phase,
// since no RESTORE_DATA job will ever arrive for them.
func (d *Dispatcher) markTableCreated(ctx context.Context, database, table string) {
	d.SchemaPipeline.MarkTableCreated(database, table)
	d.Progress.Publish(ctx, progress.Event{Type: progress.TableCreated, Database: database, Table: table})

	t := d.Registry.GetOrCreateTable(database, table, 0)
	t.Lock()
	skipData := t.IsView || t.IsSequence || t.NoData || d.Config.NoData
	eligible := skipData && t.StateLocked() == registry.TableCreated
	if eligible {
		t.SetStateLocked(registry.TableDataDone)
	}
	var post []*jobs.Job
	if eligible {
		post = t.DrainPostJobsLocked()
	}
	t.Unlock()

	if !eligible {
		return
	}
	d.Progress.Publish(ctx, progress.Event{Type: progress.TableDataDone, Database: database, Table: table})
	d.releasePostJobs(ctx, t, post)
}

func (d *Dispatcher) dataWorker(ctx context.Context, in <-chan dataJob) error {
	conn, err := d.Conn(ctx, worker.RoleData)
	if err != nil {
		return fmt.Errorf("dispatcher: open data connection: %w", err)
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dj, ok := <-in:
			if !ok {
				return nil
			}
			d.runDataJob(ctx, conn, dj)
		}
	}
}

func (d *Dispatcher) runDataJob(ctx context.Context, conn dbconn.DBConn, dj dataJob) {
	t := dj.table
	t.Lock()
	t.WaitUntilSchemaVisibleLocked()
	t.Unlock()

	_, err := d.Runner.RunData(ctx, conn, dj.job)

	t.Lock()
	t.DecCurrentThreadsLocked()
	t.JobDoneLocked()
	becameDone := t.RemainingJobs() == 0 && t.CurrentThreadsLocked() == 0 && t.StateLocked() == registry.TableCreated
	if becameDone {
		t.SetStateLocked(registry.TableDataDone)
	}
	var post []*jobs.Job
	if becameDone {
		post = t.DrainPostJobsLocked()
	}
	t.Unlock()

	if err != nil {
		d.Progress.Publish(ctx, progress.Event{Type: progress.JobFailed, Database: dj.job.Database, Table: dj.job.Table, Err: err})
	}
	if becameDone {
		d.Progress.Publish(ctx, progress.Event{Type: progress.TableDataDone, Database: t.Database.Name, Table: t.Name})
		d.releasePostJobs(ctx, t, post)
	}
}

// releasePostJobs either closes a table out immediately (no post jobs
// were discovered, so there is no index phase to enter) or moves it to
// INDEX_ENQUEUED and hands each drained post job to the index pool.
func (d *Dispatcher) releasePostJobs(ctx context.Context, t *registry.Table, post []*jobs.Job) {
	if len(post) == 0 {
		t.Lock()
		t.SetStateLocked(registry.TableAllDone)
		t.Unlock()
		d.Progress.Publish(ctx, progress.Event{Type: progress.TableAllDone, Database: t.Database.Name, Table: t.Name})
		return
	}

	t.Lock()
	t.SetStateLocked(registry.TableIndexEnqueued)
	t.Unlock()

	for _, j := range post {
		select {
		case d.indexJobs <- indexJob{table: t, job: j}:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) indexWorker(ctx context.Context) error {
	conn, err := d.Conn(ctx, worker.RoleIndex)
	if err != nil {
		return fmt.Errorf("dispatcher: open index connection: %w", err)
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ij, ok := <-d.indexJobs:
			if !ok {
				return nil
			}
			d.runIndexJob(ctx, conn, ij)
		}
	}
}

func (d *Dispatcher) runIndexJob(ctx context.Context, conn dbconn.DBConn, ij indexJob) {
	if err := d.Runner.RunSchema(ctx, conn, ij.job); err != nil {
		d.Progress.Publish(ctx, progress.Event{Type: progress.JobFailed, Database: ij.job.Database, Table: ij.job.Table, Err: err})
	}
	if ij.table.PostJobDone() {
		ij.table.Lock()
		ij.table.SetStateLocked(registry.TableAllDone)
		ij.table.Unlock()
		d.Progress.Publish(ctx, progress.Event{Type: progress.TableAllDone, Database: ij.table.Database.Name, Table: ij.table.Name})
	}
}
