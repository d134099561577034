package progress

import (
	"context"
	"fmt"

	"github.com/fatih/color"
)

// Reporter prints human-readable lines for each lifecycle event to
// stdout, colorized the way the teacher's own test runner colorizes
// pass/fail output.
type Reporter struct {
	Quiet bool
}

// NewReporter returns a Reporter and subscribes it to every event type
// the bus knows about.
func NewReporter(bus *Bus, quiet bool) *Reporter {
	r := &Reporter{Quiet: quiet}
	bus.SubscribeMultiple([]EventType{
		RunStarted, RunComplete, DatabaseCreated, TableCreated,
		TableDataDone, TableAllDone, TableFailed, JobFailed,
	}, r.handle)
	return r
}

func (r *Reporter) handle(_ context.Context, e Event) error {
	if r.Quiet && e.Type != TableFailed && e.Type != JobFailed && e.Type != RunComplete {
		return nil
	}
	switch e.Type {
	case RunStarted:
		color.Cyan("restoring from %s", e.Message)
	case DatabaseCreated:
		fmt.Printf("%s database %s created\n", color.GreenString("+"), e.Database)
	case TableCreated:
		fmt.Printf("%s %s.%s schema ready\n", color.GreenString("+"), e.Database, e.Table)
	case TableDataDone:
		fmt.Printf("%s %s.%s data loaded\n", color.GreenString("+"), e.Database, e.Table)
	case TableAllDone:
		fmt.Printf("%s %s.%s %s\n", color.GreenString("✓"), e.Database, e.Table, "done")
	case TableFailed:
		color.Red("x %s.%s failed: %v", e.Database, e.Table, e.Err)
	case JobFailed:
		color.Yellow("! %s.%s: %v", e.Database, e.Table, e.Err)
	case RunComplete:
		color.Green("restore complete: %s", e.Message)
	}
	return nil
}
