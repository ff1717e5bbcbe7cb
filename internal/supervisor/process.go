// internal/supervisor/process.go
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/mwiater/koboldsweep/internal/sweep"
)

// Process is a started server process.
type Process interface {
	// Stdout and Stderr are read until EOF by the supervisor.
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code. It is
	// called concurrently with the stream reads and must not wait for them:
	// a descendant may keep the streams open after the server exited.
	Wait() (int, error)
	// Terminate asks the process to stop (SIGTERM).
	Terminate() error
	// Kill stops the process and its children immediately.
	Kill() error
}

// Launcher starts one server process per run.
type Launcher interface {
	Launch(ctx context.Context, inv sweep.Invocation) (Process, error)
}

// ExecLauncher runs the interpreter as a child process with piped stdio.
type ExecLauncher struct {
	// Dir is the working directory of the child; empty means inherit.
	Dir string
	// Env is appended to the current environment.
	Env []string
}

// Launch implements Launcher. The child writes into plain OS pipes, so
// waiting for it never waits for its output to be drained.
func (l ExecLauncher) Launch(_ context.Context, inv sweep.Invocation) (Process, error) {
	cmd := exec.Command(inv.Interpreter, inv.Argv()...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	setProcessGroup(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("start %s: %w", inv.Interpreter, err)
	}
	// The child holds its own copies of the write ends.
	closeAll(outW, errW)
	return &execProcess{cmd: cmd, stdout: outR, stderr: errR}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

// Wait returns the exit code; a process ended by a signal reports -1.
func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *execProcess) Terminate() error { return terminateProcess(p.cmd) }

func (p *execProcess) Kill() error { return killProcess(p.cmd) }

// Close releases the read ends. Reads still blocked on them return.
func (p *execProcess) Close() error {
	return errors.Join(p.stdout.Close(), p.stderr.Close())
}
