package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadsched/loadsched/internal/jobs"
)

type fakeNotifier struct {
	mu      sync.Mutex
	enqueue []*Table
}

func (f *fakeNotifier) TryEnqueueReady(t *Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueue = append(f.enqueue, t)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueue)
}

func TestGetOrCreateTableIsIdempotent(t *testing.T) {
	r := New()
	t1 := r.GetOrCreateTable("sakila", "actor", 4)
	t2 := r.GetOrCreateTable("sakila", "actor", 99)
	assert.Same(t, t1, t2)
	assert.Equal(t, 4, t1.MaxThreads, "second call must not override MaxThreads")
}

func TestGetOrCreateTableCreatesParentDatabase(t *testing.T) {
	r := New()
	table := r.GetOrCreateTable("sakila", "actor", 1)
	require.NotNil(t, table.Database)
	assert.Equal(t, "sakila", table.Database.Name)

	db := r.GetOrCreateDatabase("sakila")
	assert.Same(t, table.Database, db)
}

func TestTableNotReadyUntilCreatedWithJobs(t *testing.T) {
	r := New()
	table := r.GetOrCreateTable("sakila", "actor", 0)

	table.Lock()
	assert.False(t, table.ReadyLocked(), "no jobs queued yet")
	table.SetStateLocked(TableCreated)
	assert.False(t, table.ReadyLocked(), "still no jobs")
	table.Unlock()
}

func TestPushJobLockedNotifiesReadyQueue(t *testing.T) {
	n := &fakeNotifier{}
	r := New()
	r.SetReadyNotifier(n)
	table := r.GetOrCreateTable("sakila", "actor", 0)

	table.Lock()
	table.SetStateLocked(TableCreated)
	table.PushJobLocked(jobs.New(jobs.RestoreData, "sakila", "actor"))
	assert.True(t, table.ReadyLocked())
	table.Unlock()

	assert.Equal(t, 1, n.count())
}

func TestReadyLockedExcludesViewsSequencesAndNoData(t *testing.T) {
	r := New()

	view := r.GetOrCreateTable("sakila", "actor_view", 0)
	view.Lock()
	view.IsView = true
	view.SetStateLocked(TableCreated)
	view.PushJobLocked(jobs.New(jobs.RestoreData, "sakila", "actor_view"))
	assert.False(t, view.ReadyLocked(), "a view must never be ready for the data phase")
	view.Unlock()

	seq := r.GetOrCreateTable("sakila", "actor_id_seq", 0)
	seq.Lock()
	seq.IsSequence = true
	seq.SetStateLocked(TableCreated)
	seq.PushJobLocked(jobs.New(jobs.RestoreData, "sakila", "actor_id_seq"))
	assert.False(t, seq.ReadyLocked(), "a sequence must never be ready for the data phase")
	seq.Unlock()

	empty := r.GetOrCreateTable("sakila", "empty_table", 0)
	empty.Lock()
	empty.NoData = true
	empty.SetStateLocked(TableCreated)
	empty.PushJobLocked(jobs.New(jobs.RestoreData, "sakila", "empty_table"))
	assert.False(t, empty.ReadyLocked(), "a table flagged no_data must never be ready for the data phase")
	empty.Unlock()
}

func TestWaitUntilSchemaVisibleLockedBlocksUntilCreated(t *testing.T) {
	r := New()
	table := r.GetOrCreateTable("sakila", "actor", 0)

	waited := make(chan struct{})
	go func() {
		table.Lock()
		table.WaitUntilSchemaVisibleLocked()
		table.Unlock()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("must not return before the table is created")
	case <-time.After(20 * time.Millisecond):
	}

	table.Lock()
	table.SetStateLocked(TableCreated)
	table.Unlock()

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("expected the broadcast on SetStateLocked to wake the waiter")
	}
}

func TestMaxThreadsCapsReadiness(t *testing.T) {
	n := &fakeNotifier{}
	r := New()
	r.SetReadyNotifier(n)
	table := r.GetOrCreateTable("sakila", "actor", 1)

	table.Lock()
	table.SetStateLocked(TableCreated)
	table.PushJobLocked(jobs.New(jobs.RestoreData, "sakila", "actor"))
	table.IncCurrentThreadsLocked()
	assert.False(t, table.ReadyLocked(), "at max concurrency already")
	table.Unlock()
}

func TestDatabasePendingQueueDrainsOnce(t *testing.T) {
	r := New()
	db := r.GetOrCreateDatabase("sakila")

	db.Lock()
	db.PushPendingLocked(jobs.New(jobs.CreateTable, "sakila", "actor"))
	db.PushPendingLocked(jobs.New(jobs.CreateTable, "sakila", "film"))
	db.SetStateLocked(DatabaseCreated)
	drained := db.DrainPendingLocked()
	db.Unlock()

	assert.Len(t, drained, 2)

	db.Lock()
	again := db.DrainPendingLocked()
	db.Unlock()
	assert.Empty(t, again, "pending queue must not be drained twice")
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	r := New()
	a := r.GetOrCreateTable("sakila", "actor", 0)
	b := r.GetOrCreateTable("sakila", "film", 0)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Same(t, a, snap[0])
	assert.Same(t, b, snap[1])
}

func TestPopJobLockedIsFIFO(t *testing.T) {
	r := New()
	table := r.GetOrCreateTable("sakila", "actor", 0)
	j1 := jobs.New(jobs.RestoreData, "sakila", "actor")
	j2 := jobs.New(jobs.RestoreData, "sakila", "actor")

	table.Lock()
	table.PushJobLocked(j1)
	table.PushJobLocked(j2)
	got1, ok := table.PopJobLocked()
	require.True(t, ok)
	got2, ok := table.PopJobLocked()
	require.True(t, ok)
	_, ok = table.PopJobLocked()
	table.Unlock()

	assert.Same(t, j1, got1)
	assert.Same(t, j2, got2)
	assert.False(t, ok)
}

func TestPostJobsDrainAndCountDown(t *testing.T) {
	r := New()
	table := r.GetOrCreateTable("sakila", "actor", 0)

	table.Lock()
	table.PushPostJobLocked(jobs.New(jobs.CreateIndex, "sakila", "actor"))
	table.PushPostJobLocked(jobs.New(jobs.AlterPostData, "sakila", "actor"))
	assert.EqualValues(t, 2, table.RemainingPostJobs())
	drained := table.DrainPostJobsLocked()
	table.Unlock()

	require.Len(t, drained, 2)
	assert.False(t, table.PostJobDone())
	assert.True(t, table.PostJobDone(), "second completion should report last")
}

func TestTableStateStringsAreStable(t *testing.T) {
	assert.Equal(t, "NOT_CREATED", TableNotCreated.String())
	assert.Equal(t, "FAILED", TableFailed.String())
	assert.Equal(t, "CREATED", DatabaseCreated.String())
}
