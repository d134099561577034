package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadsched/loadsched/internal/jobs"
	"github.com/loadsched/loadsched/internal/registry"
)

func TestEnqueueTableJobBuffersUntilDatabaseCreated(t *testing.T) {
	reg := registry.New()
	p := New(reg, 8)

	p.EnqueueTableJob(jobs.New(jobs.CreateTable, "sakila", "actor"))

	select {
	case <-p.Jobs():
		t.Fatal("table job must not reach the schema queue before its database is created")
	case <-time.After(20 * time.Millisecond):
	}

	p.MarkDatabaseCreated("sakila")

	select {
	case j := <-p.Jobs():
		assert.Equal(t, jobs.CreateTable, j.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected the buffered job to drain once the database was created")
	}
}

func TestEnqueueTableJobPassesThroughWhenDatabaseAlreadyCreated(t *testing.T) {
	reg := registry.New()
	p := New(reg, 8)
	p.MarkDatabaseCreated("sakila")

	p.EnqueueTableJob(jobs.New(jobs.CreateTable, "sakila", "actor"))

	select {
	case j := <-p.Jobs():
		assert.Equal(t, "actor", j.Table)
	case <-time.After(time.Second):
		t.Fatal("expected immediate pass-through")
	}
}

func TestMarkDatabaseCreatedDrainsOnlyOnce(t *testing.T) {
	reg := registry.New()
	p := New(reg, 8)

	p.EnqueueTableJob(jobs.New(jobs.CreateTable, "sakila", "actor"))
	p.MarkDatabaseCreated("sakila")
	p.MarkDatabaseCreated("sakila") // must be a no-op

	count := 0
	for {
		select {
		case <-p.Jobs():
			count++
		case <-time.After(50 * time.Millisecond):
			require.Equal(t, 1, count, "pending queue must drain exactly once")
			return
		}
	}
}

func TestMarkTableCreatedNotifiesReadyQueue(t *testing.T) {
	var notified []*registry.Table
	reg := registry.New()
	reg.SetReadyNotifier(recorderNotifier(func(t *registry.Table) { notified = append(notified, t) }))
	p := New(reg, 8)

	table := reg.GetOrCreateTable("sakila", "actor", 0)
	table.Lock()
	table.PushJobLocked(jobs.New(jobs.RestoreData, "sakila", "actor"))
	table.Unlock()

	p.MarkTableCreated("sakila", "actor")

	require.Len(t, notified, 1)
	assert.Same(t, table, notified[0])
}

func TestMarkTableFailedIsTerminal(t *testing.T) {
	reg := registry.New()
	p := New(reg, 8)
	p.MarkTableFailed("sakila", "actor")

	table := reg.GetOrCreateTable("sakila", "actor", 0)
	table.Lock()
	state := table.StateLocked()
	table.Unlock()
	assert.Equal(t, registry.TableFailed, state)
}

func TestCloseDefersUntilPendingDatabaseDrains(t *testing.T) {
	reg := registry.New()
	p := New(reg, 8)

	dbJob := jobs.New(jobs.CreateDatabase, "sakila", "")
	p.EnqueueDatabaseJob(dbJob)
	p.EnqueueTableJob(jobs.New(jobs.CreateTable, "sakila", "actor"))

	select {
	case j := <-p.Jobs():
		assert.Equal(t, jobs.CreateDatabase, j.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected the CREATE_DATABASE job to pass straight through")
	}

	p.Close()

	// The pending CREATE_TABLE job still has to drain through jobsCh once
	// the database is marked created. If Close had already closed the
	// channel, this send would panic instead of delivering the job.
	done := make(chan struct{})
	go func() {
		p.MarkDatabaseCreated("sakila")
		close(done)
	}()

	select {
	case j, ok := <-p.Jobs():
		require.True(t, ok, "drained job must arrive before the channel closes")
		assert.Equal(t, jobs.CreateTable, j.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected the buffered table job to drain")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MarkDatabaseCreated did not return")
	}

	select {
	case _, ok := <-p.Jobs():
		assert.False(t, ok, "channel must close once the only pending database has drained")
	case <-time.After(time.Second):
		t.Fatal("expected Jobs() to close once the deferred drain completed")
	}
}

func TestCloseDefersUntilFailedDatabaseReleasesItsSlot(t *testing.T) {
	reg := registry.New()
	p := New(reg, 8)

	p.EnqueueDatabaseJob(jobs.New(jobs.CreateDatabase, "sakila", ""))
	<-p.Jobs()

	p.Close()

	select {
	case _, ok := <-p.Jobs():
		t.Fatalf("channel closed before the failed database released its slot, ok=%v", ok)
	case <-time.After(20 * time.Millisecond):
	}

	p.DatabaseJobFailed("sakila")

	select {
	case _, ok := <-p.Jobs():
		assert.False(t, ok, "channel must close once the failed database's slot is released")
	case <-time.After(time.Second):
		t.Fatal("expected Jobs() to close after DatabaseJobFailed")
	}
}

type recorderNotifier func(*registry.Table)

func (r recorderNotifier) TryEnqueueReady(t *registry.Table) { r(t) }
