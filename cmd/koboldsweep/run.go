// cmd/koboldsweep/run.go
package koboldsweep

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mwiater/koboldsweep/internal/config"
	"github.com/mwiater/koboldsweep/internal/dispatch"
	"github.com/mwiater/koboldsweep/internal/report"
	"github.com/mwiater/koboldsweep/internal/runlog"
	"github.com/mwiater/koboldsweep/internal/runner"
	"github.com/mwiater/koboldsweep/internal/store"
	"github.com/mwiater/koboldsweep/internal/supervisor"
	"github.com/mwiater/koboldsweep/internal/telemetry"
	"github.com/mwiater/koboldsweep/internal/tui"
)

// newLauncher is a seam for tests; the real launcher spawns the interpreter.
var newLauncher = func() supervisor.Launcher { return supervisor.ExecLauncher{} }

// runOptions are the flags of 'run'.
type runOptions struct {
	tui     bool
	dryRun  bool
	metrics bool
	trace   string
	history string
}

// runCmd implements 'run', which executes the whole sweep.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the benchmark sweep",
	Long: `The 'run' command starts the server once per parameter combination, one run
at a time, and writes logs/<combination>.stdout.log, logs/<combination>.stderr.log,
results/<timestamp>.html and results/<timestamp>.json. Interrupting with Ctrl-C stops the active server,
writes the results gathered so far and exits successfully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts runOptions
		opts.tui, _ = cmd.Flags().GetBool("tui")
		opts.dryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.metrics, _ = cmd.Flags().GetBool("metrics")
		opts.trace, _ = cmd.Flags().GetString("trace")
		opts.history, _ = cmd.Flags().GetString("history")

		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		return runSweep(cmd, cfg, opts)
	},
}

func init() {
	runCmd.Flags().Bool("tui", false, "show a live dashboard instead of log lines")
	runCmd.Flags().Bool("dry-run", false, "print the command of every combination without starting anything")
	runCmd.Flags().Bool("metrics", false, "write a Prometheus textfile next to each report")
	runCmd.Flags().String("trace", "", "write OpenTelemetry spans as JSON to this file")
	runCmd.Flags().String("history", "", "append outcomes to this SQLite database")
	rootCmd.AddCommand(runCmd)
}

func runSweep(cmd *cobra.Command, cfg *config.Config, opts runOptions) error {
	specs, err := cfg.Specs()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	logger := slog.Default()

	r := &runner.Runner{
		Interpreter:      cfg.Interpreter,
		Script:           cfg.Script,
		DefaultArguments: cfg.DefaultArguments,
		Specs:            specs,
		DryRun:           opts.dryRun,
		Logs:             runlog.New(cfg.LogsDir),
	}

	var dash *tui.Dashboard
	if opts.tui {
		// The dashboard owns the terminal, so diagnostics go to a file.
		logFile, err := openLogFile(cfg.LogsDir)
		if err != nil {
			return err
		}
		defer logFile.Close()
		logger = slog.New(slog.NewTextHandler(logFile, nil))

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		dash = tui.New(cancel, tea.WithAltScreen())
		r.Observer = dash
	} else {
		r.Observer = runner.ConsoleObserver{Out: out}
	}
	r.Logger = logger

	shutdown, err := telemetry.Init(ctx, opts.trace, "koboldsweep", version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("flush traces failed", "err", err)
		}
	}()
	r.Tracer = telemetry.Tracer("github.com/mwiater/koboldsweep/runner")

	if opts.metrics {
		r.Metrics = report.NewMetrics()
	}
	r.Report = report.NewWriter(cfg.ResultsDir, r.ReportCommand(), r.Metrics)

	if opts.history != "" {
		st, err := store.Open(ctx, opts.history)
		if err != nil {
			return err
		}
		defer st.Close()
		r.History = st
	}

	client := dispatch.NewClient(cfg.Prompt, cfg.PromptParameters, cfg.RequestTimeout, logger)
	r.Supervisor = supervisor.New(newLauncher(), client, supervisor.Options{
		KillGrace:     cfg.KillGrace,
		DispatchGrace: cfg.DispatchGrace,
		RunTimeout:    cfg.RunTimeout,
		OnReady:       r.Observer.RunReady,
		Logger:        logger,
		Tracer:        telemetry.Tracer("github.com/mwiater/koboldsweep/supervisor"),
	})

	var summary runner.Summary
	if dash != nil {
		summary, err = dash.Run(func() (runner.Summary, error) { return r.Run(ctx) })
	} else {
		summary, err = r.Run(ctx)
	}
	if err != nil {
		return err
	}

	switch {
	case opts.dryRun:
		fmt.Fprintf(out, "%d combinations, nothing started (dry run)\n", summary.Combinations)
		return nil
	case summary.Interrupted && summary.ReportPath == "":
		fmt.Fprintln(out, "Interrupted before any run finished; no report written.")
		return nil
	case summary.Interrupted:
		fmt.Fprintf(out, "Interrupted after %d of %d runs.\n", summary.Completed, summary.Combinations)
	default:
		report.PrintSummary(out, r.Report.Results())
	}
	// Without the dashboard the console observer has printed the path.
	if dash != nil {
		fmt.Fprintf(out, "Results written to %s\n", summary.ReportPath)
	}
	return nil
}

// openLogFile opens the diagnostic log used while the dashboard is shown.
func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "koboldsweep.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
