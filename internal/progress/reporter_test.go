package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReporterSubscribesToEveryEventType(t *testing.T) {
	bus := New(false)
	NewReporter(bus, false)

	for _, et := range []EventType{
		RunStarted, RunComplete, DatabaseCreated, TableCreated,
		TableDataDone, TableAllDone, TableFailed, JobFailed,
	} {
		assert.Equal(t, 1, bus.SubscriberCount(et), "missing subscription for %s", et)
	}
}

func TestReporterHandleNeverErrors(t *testing.T) {
	r := &Reporter{Quiet: true}
	for _, et := range []EventType{
		RunStarted, RunComplete, DatabaseCreated, TableCreated,
		TableDataDone, TableAllDone, TableFailed, JobFailed,
	} {
		err := r.handle(context.Background(), Event{Type: et, Database: "sakila", Table: "actor"})
		assert.NoError(t, err)
	}
}
