// internal/supervisor/supervisor.go
// Package supervisor drives one benchmark run: it starts the inference
// server, watches its output for the readiness, result, abort and
// out-of-memory markers, sends the workload once the server is ready and
// classifies the run into exactly one Outcome.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/mwiater/koboldsweep/internal/sweep"
)

// Dispatcher sends the workload to a ready server.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint string) error
}

// Options tune the supervisor timers. Zero values take the defaults.
type Options struct {
	// KillGrace is how long a terminated server may take to exit before it
	// is killed.
	KillGrace time.Duration
	// DispatchGrace is how long a failed dispatch waits for a result or
	// abort marker before the run is classified as failed.
	DispatchGrace time.Duration
	// RunTimeout bounds a whole run. Zero disables it.
	RunTimeout time.Duration
	// OnReady is called when the readiness marker is seen.
	OnReady func(endpoint string)
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

const (
	defaultKillGrace     = 5 * time.Second
	defaultDispatchGrace = 5 * time.Second
	readChunkSize        = 32 * 1024

	// exitLinger is how long the streams may stay open after the server
	// exited before the processes still holding them are killed.
	exitLinger = 250 * time.Millisecond
)

// Supervisor runs one server process at a time.
type Supervisor struct {
	launcher   Launcher
	dispatcher Dispatcher
	opts       Options
}

// New returns a Supervisor.
func New(launcher Launcher, dispatcher Dispatcher, opts Options) *Supervisor {
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.DispatchGrace <= 0 {
		opts.DispatchGrace = defaultDispatchGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Supervisor{launcher: launcher, dispatcher: dispatcher, opts: opts}
}

type streamChunk struct {
	stderr bool
	data   string
}

type exitStatus struct {
	code int
	err  error
}

// run is the state of one server process. It is owned by the event loop
// goroutine in Run; nothing else touches it.
type run struct {
	sup  *Supervisor
	proc Process
	span trace.Span
	log  *slog.Logger

	params  sweep.ParameterSet
	started time.Time

	endpoint   string
	promptSent bool
	done       bool
	outcome    Outcome

	// interrupted is set when the sweep is cancelled mid-run; the exit that
	// follows is ours and is not classified.
	interrupted bool

	// exit is set once the server process has exited; streamsClosed once
	// both output streams reached EOF. The run ends when both are set.
	exit          *exitStatus
	streamsClosed bool

	stdout, stderr       strings.Builder
	stdoutBuf, stderrBuf lineBuffer

	dispatchCtx context.Context
	dispatchErr chan error

	killTimer   *time.Timer
	graceTimer  *time.Timer
	drainTimer  *time.Timer
	lingerTimer *time.Timer
}

// Run starts the server for one combination and blocks until the run has an
// Outcome and the server has exited. Exit is observed independently of the
// output streams; processes left holding them are killed. It returns an error only when the
// server cannot be started or ctx is cancelled; every other failure is an
// Outcome.
func (s *Supervisor) Run(ctx context.Context, inv sweep.Invocation, params sweep.ParameterSet) (Outcome, Logs, error) {
	ctx, span := s.opts.Tracer.Start(ctx, "supervisor.run",
		trace.WithAttributes(
			attribute.String("koboldsweep.params", params.String()),
			attribute.String("koboldsweep.command", inv.CommandLine()),
		))
	defer span.End()

	proc, err := s.launcher.Launch(ctx, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		return Outcome{}, Logs{}, err
	}

	// Readers and the dispatch request live until Run returns, not until ctx
	// is cancelled, so no output is lost while an interrupted run drains.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	r := &run{
		sup:         s,
		proc:        proc,
		span:        span,
		log:         s.opts.Logger.With("params", params.String()),
		params:      params,
		started:     time.Now(),
		dispatchCtx: loopCtx,
		dispatchErr: make(chan error, 1),
	}
	defer r.stopTimers()
	if c, ok := proc.(io.Closer); ok {
		defer c.Close()
	}

	chunks := make(chan streamChunk)
	streamsDone := make(chan struct{})
	exited := make(chan exitStatus, 1)
	var readers errgroup.Group
	readers.Go(func() error { return pump(loopCtx, proc.Stdout(), false, chunks) })
	readers.Go(func() error { return pump(loopCtx, proc.Stderr(), true, chunks) })
	go func() {
		if err := readers.Wait(); err != nil {
			r.log.Debug("stream read stopped", "err", err)
		}
		close(streamsDone)
	}()
	go func() {
		code, err := proc.Wait()
		exited <- exitStatus{code: code, err: err}
	}()

	var runTimeout <-chan time.Time
	if s.opts.RunTimeout > 0 {
		t := time.NewTimer(s.opts.RunTimeout)
		defer t.Stop()
		runTimeout = t.C
	}

	interrupted := ctx.Done()
	for {
		select {
		case c := <-chunks:
			r.onChunk(c)

		case err := <-r.dispatchErr:
			r.onDispatchFailed(err)

		case <-timerC(r.graceTimer):
			r.graceTimer = nil
			if r.settle(Outcome{Status: StatusError, Reason: ReasonPromptFailed}) {
				r.terminate()
			}

		case <-timerC(r.killTimer):
			r.killTimer = nil
			r.log.Debug("server did not exit after terminate, killing")
			r.kill()

		case <-runTimeout:
			runTimeout = nil
			r.settle(Outcome{Status: StatusError, Reason: ReasonTimedOut})
			r.kill()

		case <-interrupted:
			interrupted = nil
			r.interrupted = true
			r.span.AddEvent("interrupted")
			r.kill()

		case <-timerC(r.lingerTimer):
			r.lingerTimer = nil
			r.log.Debug("output still open after server exit, killing leftover processes")
			r.kill()

		case <-timerC(r.drainTimer):
			// The server was killed but its streams never closed; give up on
			// the remaining output.
			r.drainTimer = nil
			return r.finish(ctx)

		case <-streamsDone:
			streamsDone = nil
			r.streamsClosed = true
			if r.exit != nil {
				return r.finish(ctx)
			}

		case st := <-exited:
			r.exit = &st
			r.span.AddEvent("exit", trace.WithAttributes(attribute.Int("koboldsweep.exit_code", st.code)))
			if r.streamsClosed {
				return r.finish(ctx)
			}
			r.lingerTimer = time.NewTimer(exitLinger)
		}
	}
}

func (r *run) finish(ctx context.Context) (Outcome, Logs, error) {
	if r.exit != nil {
		r.onExit(*r.exit)
	}
	logs := Logs{Stdout: r.stdout.String(), Stderr: r.stderr.String()}
	if !r.done {
		return Outcome{}, logs, ctx.Err()
	}
	r.span.SetAttributes(attribute.String("koboldsweep.result", string(r.outcome.Status)))
	if r.outcome.Status != StatusSuccess {
		r.span.SetStatus(codes.Error, r.outcome.Detail())
	}
	return r.outcome, logs, nil
}

func (r *run) onChunk(c streamChunk) {
	if c.stderr {
		r.stderr.WriteString(c.data)
		for _, line := range r.stderrBuf.feed(c.data) {
			r.onStderrLine(line)
		}
		return
	}
	r.stdout.WriteString(c.data)
	for _, line := range r.stdoutBuf.feed(c.data) {
		r.onStdoutLine(line)
	}
}

func (r *run) onStdoutLine(line string) {
	if r.endpoint == "" {
		if endpoint, ok := matchReady(line); ok {
			r.onReady(endpoint)
		}
	}
	if r.endpoint == "" {
		return
	}

	if matchSuccess(line) {
		if r.settle(Outcome{Status: StatusSuccess, Time: line}) {
			r.terminate()
		}
		return
	}
	if matchAbort(line) {
		r.kill()
		r.settle(Outcome{Status: StatusAborted})
	}
}

func (r *run) onStderrLine(line string) {
	if !matchOOM(line) {
		return
	}
	reason := ReasonOOMInit
	if r.promptSent {
		reason = ReasonOOMGeneration
	}
	r.settle(Outcome{Status: StatusError, Reason: reason})
	r.kill()
}

func (r *run) onReady(endpoint string) {
	r.endpoint = endpoint
	r.span.AddEvent("ready", trace.WithAttributes(attribute.String("koboldsweep.endpoint", endpoint)))
	if r.exit != nil {
		// Seen in output read after the exit; nobody is listening any more.
		r.log.Debug("server announced endpoint after exiting", "endpoint", endpoint)
		return
	}
	// Set before the request completes so an OOM from here on is
	// attributed to generation rather than init.
	r.promptSent = true
	r.log.Info("server ready", "endpoint", endpoint)
	if r.sup.opts.OnReady != nil {
		r.sup.opts.OnReady(endpoint)
	}

	go func() {
		err := r.sup.dispatcher.Dispatch(r.dispatchCtx, endpoint)
		if err == nil || errors.Is(r.dispatchCtx.Err(), context.Canceled) {
			return
		}
		select {
		case r.dispatchErr <- err:
		case <-r.dispatchCtx.Done():
		}
	}()
}

func (r *run) onDispatchFailed(err error) {
	r.span.AddEvent("dispatch.failed", trace.WithAttributes(attribute.String("error", err.Error())))
	r.log.Warn("workload dispatch failed", "err", err)
	if r.done || r.graceTimer != nil {
		return
	}
	// The request often fails because generation just finished and the
	// server is going down; wait for the result marker before giving up.
	r.graceTimer = time.NewTimer(r.sup.opts.DispatchGrace)
}

func (r *run) onExit(st exitStatus) {
	if st.err != nil {
		r.log.Warn("wait for server failed", "err", st.err)
	}
	if line, ok := r.stdoutBuf.flush(); ok {
		r.onStdoutLine(line)
	}
	if line, ok := r.stderrBuf.flush(); ok {
		r.onStderrLine(line)
	}
	if r.interrupted {
		return
	}

	switch {
	case r.endpoint == "":
		r.settle(Outcome{Status: StatusError, Reason: ReasonEndpointNotFound})
	case st.code != 0 || st.err != nil:
		r.settle(Outcome{Status: StatusError, Reason: ReasonNonZeroExit, ExitCode: st.code})
	default:
		r.settle(Outcome{Status: StatusError, Reason: ReasonNoResult})
	}
}

// settle records the terminal outcome. Only the first call has an effect;
// it reports whether this call was the one that settled the run.
func (r *run) settle(o Outcome) bool {
	if r.done {
		return false
	}
	r.done = true
	o.Params = r.params
	o.Endpoint = r.endpoint
	o.Started = r.started
	o.Elapsed = time.Since(r.started)
	r.outcome = o
	r.span.AddEvent("outcome", trace.WithAttributes(
		attribute.String("koboldsweep.result", string(o.Status)),
		attribute.String("koboldsweep.detail", o.Detail()),
	))
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
	return true
}

// terminate asks the server to stop and arms the kill watchdog.
func (r *run) terminate() {
	if err := r.proc.Terminate(); err != nil {
		r.log.Debug("terminate failed", "err", err)
	}
	if r.killTimer == nil {
		r.killTimer = time.NewTimer(r.sup.opts.KillGrace)
	}
}

// kill stops the server now and arms the drain timer that bounds how long
// Run waits for the streams to close.
func (r *run) kill() {
	if err := r.proc.Kill(); err != nil {
		r.log.Debug("kill failed", "err", err)
	}
	if r.killTimer != nil {
		r.killTimer.Stop()
		r.killTimer = nil
	}
	if r.drainTimer == nil {
		r.drainTimer = time.NewTimer(r.sup.opts.KillGrace)
	}
}

func (r *run) stopTimers() {
	for _, t := range []*time.Timer{r.killTimer, r.graceTimer, r.drainTimer, r.lingerTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// pump forwards everything read from src to out until EOF.
func pump(ctx context.Context, src io.Reader, stderr bool, out chan<- streamChunk) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			select {
			case out <- streamChunk{stderr: stderr, data: string(buf[:n])}:
			case <-ctx.Done():
				// Keep draining so the process never blocks on a full pipe.
				if _, err := io.Copy(io.Discard, src); err != nil {
					return fmt.Errorf("drain: %w", err)
				}
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
