package run

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// procState tracks the lifecycle of a spawned process.
type procState int32

const (
	procRunning procState = iota
	procExited
	procKilled
)

// Proc represents one spawned OS process.
//
// Proc wraps an exec.Cmd with exit tracking and process-group signal
// delivery. It is safe for concurrent use. A Proc is only ever created
// by Launcher.Spawn, which guarantees the process has started.
type Proc struct {
	// ID is the unique identifier for this process.
	ID string

	// Name is a human-readable name, typically the target name.
	Name string

	// Started is the time the process was started.
	Started time.Time

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	// done is closed when the process exits.
	done chan struct{}

	state    atomic.Int32
	exitCode atomic.Int32

	exitErr error
	mu      sync.RWMutex

	waitOnce sync.Once
}

// Stdout returns the process's stdout pipe.
func (p *Proc) Stdout() io.Reader { return p.stdout }

// Stderr returns the process's stderr pipe.
func (p *Proc) Stderr() io.Reader { return p.stderr }

// PID returns the OS process ID, or -1 if unavailable.
func (p *Proc) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Done returns a channel that is closed when the process exits.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Proc) Exited() bool {
	return procState(p.state.Load()) != procRunning
}

// ExitCode returns the process exit code, or -1 if the process has not
// exited or was killed by a signal before reporting one.
func (p *Proc) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error from waiting on the process, if any.
func (p *Proc) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Terminate requests cooperative termination of the process group.
// On Unix this sends SIGTERM; on Windows, where no cooperative signal
// exists for arbitrary processes, it falls back to a forced kill.
func (p *Proc) Terminate() error {
	if p.Exited() {
		return nil
	}
	return terminateGroup(p.cmd)
}

// Kill forcibly terminates the process group.
func (p *Proc) Kill() error {
	if p.Exited() {
		return nil
	}
	return killGroup(p.cmd)
}

// Runtime returns how long the process has been (or was) running.
func (p *Proc) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}

// waitLoop waits for the process to exit and records the outcome.
func (p *Proc) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()

		exitCode := 0
		state := procExited

		if err != nil {
			var exitErr *exec.ExitError
			if asExitError(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				if signaled(exitErr) {
					state = procKilled
				}
			} else {
				exitCode = -1
			}
		}

		p.exitCode.Store(int32(exitCode))
		p.state.Store(int32(state))
		close(p.done)
	})
}

// asExitError unwraps err into an *exec.ExitError if possible.
func asExitError(err error, out **exec.ExitError) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*out = exitErr
	return true
}

func (s procState) String() string {
	switch s {
	case procRunning:
		return "running"
	case procExited:
		return "exited"
	case procKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}
