// internal/runner/runner.go
// Package runner drives a sweep: it expands the parameter specs and runs the
// server once per combination, strictly one after another, recording every
// outcome and flushing the report at the end or when interrupted.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mwiater/koboldsweep/internal/report"
	"github.com/mwiater/koboldsweep/internal/runlog"
	"github.com/mwiater/koboldsweep/internal/supervisor"
	"github.com/mwiater/koboldsweep/internal/sweep"
)

// RunSupervisor runs one combination to completion.
type RunSupervisor interface {
	Run(ctx context.Context, inv sweep.Invocation, params sweep.ParameterSet) (supervisor.Outcome, supervisor.Logs, error)
}

// History stores outcomes across sweeps.
type History interface {
	BeginSweep(ctx context.Context, id, command string, started time.Time) error
	Save(ctx context.Context, sweepID string, o supervisor.Outcome) error
}

// Runner holds everything one sweep needs. Supervisor, Logs and Report are
// required; the rest is optional.
type Runner struct {
	Interpreter      string
	Script           string
	DefaultArguments [][]string
	Specs            []sweep.ParameterSpec
	// DryRun lists the invocations without starting anything.
	DryRun bool

	Supervisor RunSupervisor
	Logs       *runlog.Logger
	Report     *report.Writer
	Metrics    *report.Metrics
	History    History
	Observer   Observer
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// Summary describes a finished or interrupted sweep.
type Summary struct {
	SweepID      string
	Combinations int
	Completed    int
	Succeeded    int
	ReportPath   string
	Interrupted  bool
}

// Plan expands the specs and builds the invocation of every combination.
func (r *Runner) Plan() ([]sweep.ParameterSet, []sweep.Invocation, error) {
	sets, err := sweep.Expand(r.Specs)
	if err != nil {
		return nil, nil, err
	}
	invs := make([]sweep.Invocation, len(sets))
	for i, set := range sets {
		invs[i] = sweep.BuildInvocation(r.Interpreter, r.Script, r.DefaultArguments, set)
	}
	return sets, invs, nil
}

// ReportCommand is the command shown in the report header: the script and
// the fixed arguments shared by every run.
func (r *Runner) ReportCommand() string {
	parts := []string{r.Script}
	for _, g := range r.DefaultArguments {
		parts = append(parts, g...)
	}
	return strings.Join(parts, " ")
}

// Run executes the sweep. When ctx is cancelled the active run is stopped,
// the report is flushed if any outcome was recorded, and Run returns a
// Summary with Interrupted set and no error. Configuration, launch and
// filesystem errors are returned.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := r.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	obs := r.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	sets, invs, err := r.Plan()
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{SweepID: uuid.NewString(), Combinations: len(sets)}
	logger = logger.With("sweep", summary.SweepID)
	if len(sets) == 0 {
		logger.Warn("parameter ranges produced no combinations; nothing to run")
	}
	if r.Metrics != nil {
		r.Metrics.SetCombinations(len(sets))
	}
	obs.SweepStarted(summary.SweepID, len(sets))

	if r.DryRun {
		for i, inv := range invs {
			obs.RunStarted(i+1, len(invs), inv)
		}
		return summary, nil
	}

	ctx, span := tracer.Start(ctx, "sweep",
		trace.WithAttributes(
			attribute.String("koboldsweep.sweep_id", summary.SweepID),
			attribute.Int("koboldsweep.combinations", len(sets)),
		))
	defer span.End()

	if r.History != nil {
		if err := r.History.BeginSweep(ctx, summary.SweepID, r.ReportCommand(), time.Now()); err != nil {
			return summary, err
		}
	}

	for i, set := range sets {
		if ctx.Err() != nil {
			return r.interrupted(summary, obs, logger)
		}
		inv := invs[i]
		obs.RunStarted(i+1, len(sets), inv)
		logger.Info("starting run", "index", i+1, "total", len(sets), "command", inv.CommandLine())

		outcome, logs, err := r.Supervisor.Run(ctx, inv, set)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return r.interrupted(summary, obs, logger)
			}
			return r.abort(summary, obs, logger, fmt.Errorf("run %s: %w", set, err))
		}

		r.Report.Record(outcome)
		if err := r.Logs.Persist(set, logs.Stdout, logs.Stderr); err != nil {
			return r.abort(summary, obs, logger, err)
		}
		if r.History != nil {
			// Recorded even if the sweep is being interrupted right now.
			if err := r.History.Save(context.WithoutCancel(ctx), summary.SweepID, outcome); err != nil {
				return r.abort(summary, obs, logger, err)
			}
		}

		summary.Completed++
		if outcome.Succeeded() {
			summary.Succeeded++
		}
		logger.Info("run finished", "result", outcome.Status, "detail", outcome.Detail(), "elapsed", outcome.Elapsed)
		obs.RunFinished(i+1, len(sets), outcome)
	}

	path, err := r.Report.Flush()
	if err != nil {
		return summary, err
	}
	summary.ReportPath = path
	obs.Flushed(path)
	logger.Info("report written", "path", path, "runs", summary.Completed, "succeeded", summary.Succeeded)
	return summary, nil
}

// interrupted flushes whatever was recorded and reports the interruption.
func (r *Runner) interrupted(summary Summary, obs Observer, logger *slog.Logger) (Summary, error) {
	summary.Interrupted = true
	logger.Warn("sweep interrupted", "completed", summary.Completed, "total", summary.Combinations)
	path, err := r.flushIfAny(obs)
	if err != nil {
		return summary, err
	}
	summary.ReportPath = path
	return summary, nil
}

// abort ends the sweep on a fatal error, keeping what was recorded so far.
func (r *Runner) abort(summary Summary, obs Observer, logger *slog.Logger, err error) (Summary, error) {
	path, flushErr := r.flushIfAny(obs)
	if flushErr != nil {
		logger.Error("flush report failed", "err", flushErr)
	}
	summary.ReportPath = path
	return summary, err
}

func (r *Runner) flushIfAny(obs Observer) (string, error) {
	if r.Report.Len() == 0 {
		return "", nil
	}
	path, err := r.Report.Flush()
	if err != nil {
		return "", err
	}
	obs.Flushed(path)
	return path, nil
}
