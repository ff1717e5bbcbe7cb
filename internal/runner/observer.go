// internal/runner/observer.go
package runner

import (
	"fmt"
	"io"

	"github.com/mwiater/koboldsweep/internal/report"
	"github.com/mwiater/koboldsweep/internal/supervisor"
	"github.com/mwiater/koboldsweep/internal/sweep"
)

// Observer is told about sweep progress. Calls come from the sweep
// goroutine, except RunReady which comes from the supervisor's event loop.
type Observer interface {
	SweepStarted(sweepID string, total int)
	RunStarted(index, total int, inv sweep.Invocation)
	RunReady(endpoint string)
	RunFinished(index, total int, o supervisor.Outcome)
	Flushed(path string)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) SweepStarted(string, int)                 {}
func (NopObserver) RunStarted(int, int, sweep.Invocation)    {}
func (NopObserver) RunReady(string)                          {}
func (NopObserver) RunFinished(int, int, supervisor.Outcome) {}
func (NopObserver) Flushed(string)                           {}

// ConsoleObserver prints styled progress lines.
type ConsoleObserver struct {
	Out io.Writer
}

func (c ConsoleObserver) SweepStarted(sweepID string, total int) {
	fmt.Fprintf(c.Out, "Sweep %s: %d combinations\n", sweepID, total)
}

func (c ConsoleObserver) RunStarted(index, total int, inv sweep.Invocation) {
	fmt.Fprintln(c.Out, report.FormatCommand(index, total, inv.CommandLine()))
}

func (c ConsoleObserver) RunReady(endpoint string) {
	fmt.Fprintln(c.Out, report.FormatEndpoint(endpoint))
}

func (c ConsoleObserver) RunFinished(_, _ int, o supervisor.Outcome) {
	fmt.Fprintln(c.Out, "  "+report.FormatOutcome(o))
}

func (c ConsoleObserver) Flushed(path string) {
	fmt.Fprintf(c.Out, "Results written to %s\n", path)
}
