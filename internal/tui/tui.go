// internal/tui/tui.go
// Package tui renders a live dashboard of a running sweep with Bubble Tea.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mwiater/koboldsweep/internal/report"
	"github.com/mwiater/koboldsweep/internal/runner"
	"github.com/mwiater/koboldsweep/internal/supervisor"
	"github.com/mwiater/koboldsweep/internal/sweep"
)

// maxRecent is how many finished runs the dashboard keeps on screen.
const maxRecent = 12

// sweepStartedMsg is sent once the combinations are known.
type sweepStartedMsg struct {
	id    string
	total int
}

// runStartedMsg is sent when a server is launched for a combination.
type runStartedMsg struct {
	index, total int
	command      string
}

// runReadyMsg is sent when the server announced its endpoint.
type runReadyMsg struct{ endpoint string }

// runFinishedMsg is sent with the outcome of a run.
type runFinishedMsg struct {
	index, total int
	outcome      supervisor.Outcome
}

// flushedMsg is sent whenever a report file was written.
type flushedMsg struct{ path string }

// sweepDoneMsg is sent when the sweep function returned.
type sweepDoneMsg struct{ err error }

// model is the Bubble Tea model of the dashboard.
type model struct {
	// cancel stops the sweep; the dashboard stays up until it has drained.
	cancel context.CancelFunc
	// Bubble Tea spinner shown next to the active run.
	spinner spinner.Model
	// Bubble Tea progress bar over all combinations.
	progress progress.Model

	// Identifier of the sweep.
	sweepID string
	// Number of combinations and number of finished runs.
	total, finished int
	// Successful runs so far.
	succeeded int
	// Command line and endpoint of the active run.
	command, endpoint string
	// Start of the active run.
	runStart time.Time
	// Most recent outcomes, oldest first.
	recent []supervisor.Outcome
	// Report files written so far.
	reports []string

	// Set once the user asked to stop.
	stopping bool
	// Set once the sweep function returned.
	done bool
	err  error

	// Current width and height of the terminal.
	width, height int
}

func newModel(cancel context.CancelFunc) *model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &model{
		cancel:   cancel,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

// Init starts the spinner animation.
func (m *model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update folds sweep events and key presses into the model.
func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.done {
				return m, tea.Quit
			}
			if !m.stopping {
				m.stopping = true
				m.cancel()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.progress.Width = max(msg.Width-20, 10)
		return m, nil

	case sweepStartedMsg:
		m.sweepID = msg.id
		m.total = msg.total
		return m, nil

	case runStartedMsg:
		m.total = msg.total
		m.command = msg.command
		m.endpoint = ""
		m.runStart = time.Now()
		return m, nil

	case runReadyMsg:
		m.endpoint = msg.endpoint
		return m, nil

	case runFinishedMsg:
		m.finished = msg.index
		if msg.outcome.Succeeded() {
			m.succeeded++
		}
		m.recent = append(m.recent, msg.outcome)
		if len(m.recent) > maxRecent {
			m.recent = m.recent[len(m.recent)-maxRecent:]
		}
		m.command = ""
		m.endpoint = ""
		return m, nil

	case flushedMsg:
		m.reports = append(m.reports, msg.path)
		return m, nil

	case sweepDoneMsg:
		m.done = true
		m.err = msg.err
		m.command = ""
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m *model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var b strings.Builder
	headerStyle := lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("230")).Padding(0, 1)
	help := lipgloss.NewStyle().Faint(true).Render(" (q to stop)")
	b.WriteString(headerStyle.Render("Sweep "+m.sweepID) + help + "\n\n")

	percent := 0.0
	if m.total > 0 {
		percent = float64(m.finished) / float64(m.total)
	}
	b.WriteString(fmt.Sprintf("%s %d/%d (%d ok)\n\n", m.progress.ViewAs(percent), m.finished, m.total, m.succeeded))

	if m.command != "" {
		timer := fmt.Sprintf("%.1f", time.Since(m.runStart).Seconds())
		b.WriteString(fmt.Sprintf("%s %s %ss\n", m.spinner.View(), report.FormatCommand(m.finished+1, m.total, m.command), timer))
		if m.endpoint != "" {
			b.WriteString(report.FormatEndpoint(m.endpoint) + "\n")
		}
		b.WriteString("\n")
	}

	for _, o := range m.recent {
		b.WriteString("  " + report.FormatOutcome(o) + "\n")
	}

	if m.stopping && !m.done {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Render("Stopping: waiting for the server to exit...") + "\n")
	}
	for _, path := range m.reports {
		b.WriteString("\nResults written to " + path)
	}
	if m.err != nil {
		errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(1)
		b.WriteString("\n" + errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	return b.String()
}

// Dashboard is a runner.Observer that forwards sweep events to the TUI.
type Dashboard struct {
	model   *model
	program *tea.Program
}

// New builds a dashboard. cancel is called when the user stops the sweep.
func New(cancel context.CancelFunc, opts ...tea.ProgramOption) *Dashboard {
	m := newModel(cancel)
	return &Dashboard{model: m, program: tea.NewProgram(m, opts...)}
}

func (d *Dashboard) SweepStarted(id string, total int) {
	d.program.Send(sweepStartedMsg{id: id, total: total})
}

func (d *Dashboard) RunStarted(index, total int, inv sweep.Invocation) {
	d.program.Send(runStartedMsg{index: index, total: total, command: inv.CommandLine()})
}

func (d *Dashboard) RunReady(endpoint string) {
	d.program.Send(runReadyMsg{endpoint: endpoint})
}

func (d *Dashboard) RunFinished(index, total int, o supervisor.Outcome) {
	d.program.Send(runFinishedMsg{index: index, total: total, outcome: o})
}

func (d *Dashboard) Flushed(path string) {
	d.program.Send(flushedMsg{path: path})
}

// Run shows the dashboard while fn executes the sweep and returns its
// result. The program quits on its own once fn returns.
func (d *Dashboard) Run(fn func() (runner.Summary, error)) (runner.Summary, error) {
	type result struct {
		summary runner.Summary
		err     error
	}
	resc := make(chan result, 1)
	go func() {
		s, err := fn()
		resc <- result{s, err}
		d.program.Send(sweepDoneMsg{err: err})
	}()

	if _, err := d.program.Run(); err != nil {
		// The terminal is gone; stop the sweep and still wait for its flush.
		d.model.cancel()
		res := <-resc
		return res.summary, fmt.Errorf("dashboard: %w", err)
	}
	res := <-resc
	return res.summary, res.err
}
