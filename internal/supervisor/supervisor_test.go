package supervisor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mwiater/koboldsweep/internal/sweep"
)

const (
	readyLine   = "Please connect to custom endpoint at http://localhost:5001\n"
	successLine = "CtxLimit: 156/2048, Process:0.52s (3.3ms/T = 300.00T/s), Generate:4.10s (41.0ms/T = 24.39T/s), Total:4.62s"
)

// fakeProcess is a scripted server: tests write to its streams and decide
// when and how it exits.
type fakeProcess struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	exitCh     chan int
	once       sync.Once

	// exitOnTerminate makes Terminate behave like a well-behaved server.
	exitOnTerminate bool
	terminated      atomic.Int32
	killed          atomic.Int32
}

func newFakeProcess(exitOnTerminate bool) *fakeProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeProcess{
		outR: outR, outW: outW,
		errR: errR, errW: errW,
		exitCh:          make(chan int, 1),
		exitOnTerminate: exitOnTerminate,
	}
}

func (p *fakeProcess) Stdout() io.Reader { return p.outR }
func (p *fakeProcess) Stderr() io.Reader { return p.errR }

func (p *fakeProcess) Wait() (int, error) { return <-p.exitCh, nil }

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	if p.exitOnTerminate {
		go p.exit(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	go p.exit(137)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.outW.Close()
		p.errW.Close()
		p.exitCh <- code
	})
}

func (p *fakeProcess) stdout(s string) { _, _ = p.outW.Write([]byte(s)) }
func (p *fakeProcess) stderr(s string) { _, _ = p.errW.Write([]byte(s)) }

type fakeLauncher struct {
	proc *fakeProcess
	inv  sweep.Invocation
	err  error
}

func (l *fakeLauncher) Launch(_ context.Context, inv sweep.Invocation) (Process, error) {
	l.inv = inv
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

type fakeDispatcher struct {
	err       error
	endpoints chan string
}

func newFakeDispatcher(err error) *fakeDispatcher {
	return &fakeDispatcher{err: err, endpoints: make(chan string, 4)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, endpoint string) error {
	d.endpoints <- endpoint
	return d.err
}

type runResult struct {
	outcome Outcome
	logs    Logs
	err     error
}

var testParams = sweep.ParameterSet{{Name: "gpulayers", Value: sweep.Number(12)}}

func start(ctx context.Context, t *testing.T, proc *fakeProcess, d Dispatcher, opts Options) <-chan runResult {
	t.Helper()
	if opts.KillGrace == 0 {
		opts.KillGrace = time.Second
	}
	if opts.DispatchGrace == 0 {
		opts.DispatchGrace = time.Second
	}
	sup := New(&fakeLauncher{proc: proc}, d, opts)
	inv := sweep.BuildInvocation("python", "koboldcpp.py", nil, testParams)

	done := make(chan runResult, 1)
	go func() {
		o, logs, err := sup.Run(ctx, inv, testParams)
		done <- runResult{outcome: o, logs: logs, err: err}
	}()
	return done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return")
		return runResult{}
	}
}

// expectReason fails unless the run settled with status and reason.
func expectReason(t *testing.T, res runResult, status Status, reason string) {
	t.Helper()
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if res.outcome.Status != status || res.outcome.Reason != reason {
		t.Fatalf("outcome = %s/%q, want %s/%q", res.outcome.Status, res.outcome.Reason, status, reason)
	}
}

func TestRun_SuccessTerminatesServer(t *testing.T) {
	proc := newFakeProcess(true)
	d := newFakeDispatcher(nil)
	done := start(context.Background(), t, proc, d, Options{})

	proc.stdout("Loading model...\n")
	proc.stdout(readyLine)
	if got := <-d.endpoints; got != "http://localhost:5001" {
		t.Fatalf("dispatched to %q", got)
	}
	proc.stdout(successLine + "\n")

	res := wait(t, done)
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	o := res.outcome
	if o.Status != StatusSuccess || o.Time != successLine {
		t.Fatalf("expected success with metrics line, got %+v", o)
	}
	if o.Endpoint != "http://localhost:5001" {
		t.Fatalf("endpoint = %q", o.Endpoint)
	}
	if o.Params.Key() != testParams.Key() {
		t.Fatalf("params = %v", o.Params)
	}
	if proc.terminated.Load() != 1 || proc.killed.Load() != 0 {
		t.Fatalf("terminated=%d killed=%d, want 1 and 0", proc.terminated.Load(), proc.killed.Load())
	}
	if !strings.Contains(res.logs.Stdout, "Loading model...") || !strings.Contains(res.logs.Stdout, successLine) {
		t.Fatalf("stdout log incomplete: %q", res.logs.Stdout)
	}
}

func TestRun_SuccessBeforeReadyIsIgnored(t *testing.T) {
	proc := newFakeProcess(true)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{})

	proc.stdout(successLine + "\n")
	proc.exit(0)

	res := wait(t, done)
	expectReason(t, res, StatusError, ReasonEndpointNotFound)
}

func TestRun_WatchdogKillsServerIgnoringTerminate(t *testing.T) {
	proc := newFakeProcess(false)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{KillGrace: 20 * time.Millisecond})

	proc.stdout(readyLine + successLine + "\n")

	res := wait(t, done)
	expectReason(t, res, StatusSuccess, "")
	if proc.terminated.Load() != 1 || proc.killed.Load() != 1 {
		t.Fatalf("terminated=%d killed=%d, want 1 and 1", proc.terminated.Load(), proc.killed.Load())
	}
}

func TestRun_OOMDuringGeneration(t *testing.T) {
	proc := newFakeProcess(true)
	d := newFakeDispatcher(nil)
	done := start(context.Background(), t, proc, d, Options{})

	proc.stdout(readyLine)
	<-d.endpoints
	proc.stderr("ggml_cuda_host_malloc: failed to allocate: out of memory\n")

	res := wait(t, done)
	expectReason(t, res, StatusError, ReasonOOMGeneration)
	if proc.killed.Load() != 1 {
		t.Fatalf("killed = %d, want 1", proc.killed.Load())
	}
}

func TestRun_OOMDuringInit(t *testing.T) {
	proc := newFakeProcess(true)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{})

	proc.stderr("CUDA error 2 at ggml-cuda.cu:6301: out of memory\n")

	res := wait(t, done)
	expectReason(t, res, StatusError, ReasonOOMInit)
	if !strings.Contains(res.logs.Stderr, "out of memory") {
		t.Fatalf("stderr log missing OOM line: %q", res.logs.Stderr)
	}
}

func TestRun_ExitWithoutEndpoint(t *testing.T) {
	proc := newFakeProcess(true)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{})

	proc.stderr("Traceback (most recent call last):\n")
	proc.exit(1)

	res := wait(t, done)
	expectReason(t, res, StatusError, ReasonEndpointNotFound)
}

func TestRun_ExitAfterReady(t *testing.T) {
	cases := map[string]struct {
		code int
		want string
	}{
		"non-zero": {code: 1, want: ReasonNonZeroExit},
		"zero":     {code: 0, want: ReasonNoResult},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			proc := newFakeProcess(true)
			d := newFakeDispatcher(nil)
			done := start(context.Background(), t, proc, d, Options{})

			proc.stdout(readyLine)
			<-d.endpoints
			proc.exit(tc.code)

			res := wait(t, done)
			expectReason(t, res, StatusError, tc.want)
			if tc.code != 0 && res.outcome.ExitCode != tc.code {
				t.Fatalf("exit code = %d, want %d", res.outcome.ExitCode, tc.code)
			}
		})
	}
}

func TestRun_EndpointAnnouncedAtExitIsNotDispatched(t *testing.T) {
	proc := newFakeProcess(true)
	d := newFakeDispatcher(nil)
	seen := make(chan string, 1)
	done := start(context.Background(), t, proc, d, Options{
		OnReady: func(endpoint string) { seen <- endpoint },
	})

	// Unterminated, so the marker only surfaces when the process is gone.
	proc.stdout(strings.TrimSuffix(readyLine, "\n"))
	proc.exit(0)

	res := wait(t, done)
	expectReason(t, res, StatusError, ReasonNoResult)
	if res.outcome.Endpoint != "http://localhost:5001" {
		t.Fatalf("endpoint = %q", res.outcome.Endpoint)
	}
	select {
	case endpoint := <-d.endpoints:
		t.Fatalf("prompt sent to exited server at %s", endpoint)
	case endpoint := <-seen:
		t.Fatalf("ready hook called for exited server at %s", endpoint)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRun_Aborted(t *testing.T) {
	proc := newFakeProcess(true)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{})

	proc.stdout(readyLine)
	proc.stdout("Generation Aborted\n")

	res := wait(t, done)
	expectReason(t, res, StatusAborted, "")
	if proc.killed.Load() != 1 {
		t.Fatalf("killed = %d, want 1", proc.killed.Load())
	}
}

func TestRun_FirstOutcomeWins(t *testing.T) {
	proc := newFakeProcess(false)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{})

	// A late abort after the result must not replace it.
	proc.stdout(readyLine + successLine + "\nGeneration Aborted\n")

	res := wait(t, done)
	expectReason(t, res, StatusSuccess, "")
	if res.outcome.Time != successLine {
		t.Fatalf("time = %q", res.outcome.Time)
	}
}

func TestRun_OOMAfterSuccessKeepsSuccess(t *testing.T) {
	proc := newFakeProcess(false)
	d := newFakeDispatcher(nil)
	done := start(context.Background(), t, proc, d, Options{KillGrace: time.Minute})

	proc.stdout(readyLine + successLine + "\n")
	<-d.endpoints
	proc.stderr("out of memory\n")

	res := wait(t, done)
	expectReason(t, res, StatusSuccess, "")
}

func TestRun_DispatchFailureAfterGrace(t *testing.T) {
	proc := newFakeProcess(true)
	d := newFakeDispatcher(errors.New("connection refused"))
	done := start(context.Background(), t, proc, d, Options{DispatchGrace: 20 * time.Millisecond})

	proc.stdout(readyLine)

	res := wait(t, done)
	expectReason(t, res, StatusError, ReasonPromptFailed)
	if proc.terminated.Load() != 1 {
		t.Fatalf("terminated = %d, want 1", proc.terminated.Load())
	}
}

func TestRun_DispatchFailureRacingResult(t *testing.T) {
	proc := newFakeProcess(true)
	d := newFakeDispatcher(errors.New("EOF"))
	done := start(context.Background(), t, proc, d, Options{DispatchGrace: 2 * time.Second})

	proc.stdout(readyLine)
	<-d.endpoints
	proc.stdout(successLine + "\n")

	res := wait(t, done)
	expectReason(t, res, StatusSuccess, "")
}

func TestRun_MarkerSplitAcrossChunks(t *testing.T) {
	proc := newFakeProcess(true)
	d := newFakeDispatcher(nil)
	done := start(context.Background(), t, proc, d, Options{})

	proc.stdout("Please connect to cus")
	proc.stdout("tom endpoint at http://127.0.0.1:5001\r\nCtxLim")
	proc.stdout("it: 10/2048\n")

	res := wait(t, done)
	expectReason(t, res, StatusSuccess, "")
	if got := <-d.endpoints; got != "http://127.0.0.1:5001" {
		t.Fatalf("dispatched to %q", got)
	}
	if res.outcome.Time != "CtxLimit: 10/2048" {
		t.Fatalf("time = %q", res.outcome.Time)
	}
}

func TestRun_UnterminatedLastLineIsClassified(t *testing.T) {
	proc := newFakeProcess(true)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{})

	proc.stdout(readyLine + "CtxLimit: 20/2048")
	proc.exit(0)

	res := wait(t, done)
	expectReason(t, res, StatusSuccess, "")
}

func TestRun_RunTimeout(t *testing.T) {
	proc := newFakeProcess(true)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{RunTimeout: 20 * time.Millisecond})

	res := wait(t, done)
	expectReason(t, res, StatusError, ReasonTimedOut)
	if proc.killed.Load() != 1 {
		t.Fatalf("killed = %d, want 1", proc.killed.Load())
	}
}

func TestRun_InterruptKillsWithoutOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := newFakeProcess(true)
	done := start(ctx, t, proc, newFakeDispatcher(nil), Options{})

	proc.stdout("Loading model...\n")
	cancel()

	res := wait(t, done)
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}
	if res.outcome.Status != "" {
		t.Fatalf("interrupted run must have no outcome, got %+v", res.outcome)
	}
	if proc.killed.Load() != 1 {
		t.Fatalf("killed = %d, want 1", proc.killed.Load())
	}
	if !strings.Contains(res.logs.Stdout, "Loading model...") {
		t.Fatalf("stdout log lost: %q", res.logs.Stdout)
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	sup := New(&fakeLauncher{err: errors.New("exec: \"python\": not found")}, newFakeDispatcher(nil), Options{})
	_, _, err := sup.Run(context.Background(), sweep.BuildInvocation("python", "k.py", nil, nil), nil)
	if err == nil {
		t.Fatal("expected launch error")
	}
}

func TestRun_OnReadyHook(t *testing.T) {
	proc := newFakeProcess(true)
	seen := make(chan string, 1)
	done := start(context.Background(), t, proc, newFakeDispatcher(nil), Options{
		OnReady: func(endpoint string) { seen <- endpoint },
	})

	proc.stdout(readyLine + successLine + "\n")

	wait(t, done)
	if got := <-seen; got != "http://localhost:5001" {
		t.Fatalf("ready hook got %q", got)
	}
}
