package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadsched/loadsched/internal/config"
	"github.com/loadsched/loadsched/internal/dbconn"
	"github.com/loadsched/loadsched/internal/decompress"
	"github.com/loadsched/loadsched/internal/jobs"
	"github.com/loadsched/loadsched/internal/progress"
	"github.com/loadsched/loadsched/internal/queue"
	"github.com/loadsched/loadsched/internal/registry"
	"github.com/loadsched/loadsched/internal/restoreerr"
	"github.com/loadsched/loadsched/internal/retry"
	"github.com/loadsched/loadsched/internal/scanner"
	"github.com/loadsched/loadsched/internal/schema"
	"github.com/loadsched/loadsched/internal/worker"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func baseConfig() *config.Config {
	return &config.Config{
		Threads:                     2,
		MaxThreadsForSchemaCreation: 1,
		MaxThreadsForIndexCreation:  1,
		MaxDecompressors:            2,
		TableRefreshInterval:        1000,
		IgnoreErrors:                make(map[string]struct{}),
	}
}

func newTestDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *dbconn.FakeConn) {
	t.Helper()
	reg := registry.New()
	ready := queue.New()
	reg.SetReadyNotifier(ready)

	pipeline := schema.New(reg, 16)
	runner := worker.NewRunner(
		restoreerr.NewClassifier(8),
		retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ReconnectEvery: 2},
		decompress.New(2, t.TempDir()),
	)
	bus := progress.New(false)
	conn := dbconn.NewFake()
	connFactory := func(context.Context, worker.Role) (dbconn.DBConn, error) { return conn, nil }

	return New(reg, ready, pipeline, runner, connFactory, bus, cfg), conn
}

func runDispatcherToCompletion(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))
}

func tableState(d *Dispatcher, database, table string) registry.TableState {
	t := d.Registry.GetOrCreateTable(database, table, 0)
	t.Lock()
	defer t.Unlock()
	return t.StateLocked()
}

func TestDispatcherEndToEndSingleTable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sakila-schema-create.sql", "CREATE DATABASE sakila;")
	writeFile(t, dir, "sakila.actor-schema.sql", "CREATE TABLE actor (id int);")
	writeFile(t, dir, "sakila.actor.sql", "INSERT INTO actor (id) VALUES (1),(2);")
	writeFile(t, dir, "sakila.actor-schema-post.sql", "CREATE INDEX idx_actor_id ON actor(id);")

	records, err := scanner.Scan(dir)
	require.NoError(t, err)

	d, conn := newTestDispatcher(t, baseConfig())
	d.Enqueue(context.Background(), records)
	d.SchemaPipeline.Close()

	runDispatcherToCompletion(t, d)

	assert.Equal(t, registry.TableAllDone, tableState(d, "sakila", "actor"))
	assert.Len(t, conn.CopyRows["sakila.actor"], 2)
	assert.Contains(t, conn.Execs, "CREATE INDEX idx_actor_id ON actor(id)")
}

func TestDispatcherNoDataSkipsDataPhaseButStillCompletes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sakila-schema-create.sql", "CREATE DATABASE sakila;")
	writeFile(t, dir, "sakila.actor-schema.sql", "CREATE TABLE actor (id int);")
	writeFile(t, dir, "sakila.actor.sql", "INSERT INTO actor (id) VALUES (1);")

	records, err := scanner.Scan(dir)
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.NoData = true
	d, conn := newTestDispatcher(t, cfg)
	d.Enqueue(context.Background(), records)
	d.SchemaPipeline.Close()

	runDispatcherToCompletion(t, d)

	assert.Equal(t, registry.TableAllDone, tableState(d, "sakila", "actor"))
	assert.Empty(t, conn.CopyRows["sakila.actor"], "no_data must never load a row")
}

func TestDispatcherNoSchemasStillLoadsData(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sakila-schema-create.sql", "CREATE DATABASE sakila;")
	writeFile(t, dir, "sakila.actor-schema.sql", "CREATE TABLE actor (id int);")
	writeFile(t, dir, "sakila.actor.sql", "INSERT INTO actor (id) VALUES (1),(2),(3);")

	records, err := scanner.Scan(dir)
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.NoSchemas = true
	d, conn := newTestDispatcher(t, cfg)
	d.Enqueue(context.Background(), records)
	d.SchemaPipeline.Close()

	runDispatcherToCompletion(t, d)

	assert.Equal(t, registry.TableAllDone, tableState(d, "sakila", "actor"))
	assert.Len(t, conn.CopyRows["sakila.actor"], 3)
	assert.NotContains(t, conn.Execs, "CREATE TABLE actor (id int)", "no_schemas must skip DDL execution")
}

func TestDispatcherFailedTableNeverBlocksDrain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sakila-schema-create.sql", "CREATE DATABASE sakila;")
	writeFile(t, dir, "sakila.film-schema.sql", "CREATE TABLE film (id int);")

	records, err := scanner.Scan(dir)
	require.NoError(t, err)

	cfg := baseConfig()
	d, conn := newTestDispatcher(t, cfg)
	conn.FailExecAt[1] = assertAnErrorNonRetriable{}
	d.Enqueue(context.Background(), records)
	d.SchemaPipeline.Close()

	runDispatcherToCompletion(t, d)

	assert.Equal(t, registry.TableFailed, tableState(d, "sakila", "film"))
}

func TestDispatcherPurgeTruncateBenignOnMissingTable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sakila-schema-create.sql", "CREATE DATABASE sakila;")
	writeFile(t, dir, "sakila.actor-schema.sql", "CREATE TABLE actor (id int);")
	writeFile(t, dir, "sakila.actor.sql", "INSERT INTO actor (id) VALUES (1);")

	records, err := scanner.Scan(dir)
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.OverwriteTables = true
	cfg.PurgeMode = config.PurgeTruncate
	d, conn := newTestDispatcher(t, cfg)
	// index 0: CREATE DATABASE, index 1: the purge TRUNCATE this test
	// targets, index 2: CREATE TABLE.
	conn.FailExecAt[1] = &pgconn.PgError{Code: "42P01", Message: `relation "actor" does not exist`}
	d.Enqueue(context.Background(), records)
	d.SchemaPipeline.Close()

	runDispatcherToCompletion(t, d)

	assert.Equal(t, registry.TableAllDone, tableState(d, "sakila", "actor"))
	assert.Contains(t, conn.Execs, "TRUNCATE TABLE sakila.actor")
	assert.Contains(t, conn.Execs, "CREATE TABLE actor (id int)")
}

func TestReleasePostJobsPassesThroughIndexEnqueuedBeforeAllDone(t *testing.T) {
	d, _ := newTestDispatcher(t, baseConfig())
	table := d.Registry.GetOrCreateTable("sakila", "actor", 0)

	postJob := jobs.New(jobs.CreateIndex, "sakila", "actor")
	done := make(chan struct{})
	go func() {
		d.releasePostJobs(context.Background(), table, []*jobs.Job{postJob})
		close(done)
	}()

	require.Eventually(t, func() bool {
		table.Lock()
		defer table.Unlock()
		return table.StateLocked() == registry.TableIndexEnqueued
	}, time.Second, time.Millisecond, "table must pass through INDEX_ENQUEUED once post jobs are handed to the index pool")

	ij := <-d.indexJobs
	assert.Same(t, postJob, ij.job)

	<-done
}

func TestReleasePostJobsSkipsIndexEnqueuedWithNoPostJobs(t *testing.T) {
	d, _ := newTestDispatcher(t, baseConfig())
	table := d.Registry.GetOrCreateTable("sakila", "actor", 0)

	d.releasePostJobs(context.Background(), table, nil)

	table.Lock()
	defer table.Unlock()
	assert.Equal(t, registry.TableAllDone, table.StateLocked())
}

// assertAnErrorNonRetriable classifies as KindUnknown (non-retriable),
// so the schema worker exhausts its single attempt immediately.
type assertAnErrorNonRetriable struct{}

func (assertAnErrorNonRetriable) Error() string { return "boom: unrecognized vendor error" }
