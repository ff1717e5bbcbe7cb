// internal/report/console.go
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mwiater/koboldsweep/internal/supervisor"
)

var (
	headerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Bold(true)
	commandStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Faint(true)
	abortedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	endpointStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
)

// Symbol returns the report glyph for an outcome.
func Symbol(o supervisor.Outcome) string {
	if o.Succeeded() {
		return "✅"
	}
	return "❌"
}

// FormatOutcome renders one outcome as a single styled console line.
func FormatOutcome(o supervisor.Outcome) string {
	args := o.Params.String()
	if args == "" {
		args = "(defaults)"
	}
	var detail string
	switch o.Status {
	case supervisor.StatusSuccess:
		detail = successStyle.Render(o.Detail())
	case supervisor.StatusAborted:
		detail = abortedStyle.Render("aborted")
	default:
		detail = errorStyle.Render(o.Detail())
	}
	line := fmt.Sprintf("%s %s  %s", Symbol(o), args, detail)
	if o.Elapsed > 0 {
		line += "  " + mutedStyle.Render(o.Elapsed.Round(100 * time.Millisecond).String())
	}
	return line
}

// FormatCommand renders the command line of a run about to start.
func FormatCommand(index, total int, commandLine string) string {
	return fmt.Sprintf("%s %s",
		headerStyle.Render(fmt.Sprintf("[%d/%d]", index, total)),
		commandStyle.Render(commandLine))
}

// FormatEndpoint renders the readiness notice of a run.
func FormatEndpoint(endpoint string) string {
	return "  >>> " + endpointStyle.Render("ready at "+endpoint)
}

// PrintSummary writes the outcome list followed by success and failure
// counts.
func PrintSummary(w io.Writer, results []supervisor.Outcome) {
	var ok int
	var b strings.Builder
	for _, o := range results {
		if o.Succeeded() {
			ok++
		}
		b.WriteString("  ")
		b.WriteString(FormatOutcome(o))
		b.WriteString("\n")
	}
	fmt.Fprintln(w, headerStyle.Render("Results:"))
	fmt.Fprint(w, b.String())
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%d runs, %d succeeded, %d failed", len(results), ok, len(results)-ok)))
}
