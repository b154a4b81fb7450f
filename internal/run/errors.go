package run

import (
	"errors"
	"fmt"
)

// Sentinel errors for the run package.
var (
	// ErrAlreadyRunning is returned when a target already has a
	// non-terminal task.
	ErrAlreadyRunning = errors.New("target is already running")

	// ErrNotRunning is returned when an operation requires a
	// non-terminal task.
	ErrNotRunning = errors.New("task is not running")

	// ErrStillRunning is returned when acknowledging a task that has
	// not reached a terminal state.
	ErrStillRunning = errors.New("task is still running")

	// ErrTaskNotFound is returned when a task handle is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrCoordinatorClosed is returned when the coordinator is shutting down.
	ErrCoordinatorClosed = errors.New("coordinator is closed")

	// ErrKillTimeout is returned when a forced kill could not be confirmed.
	ErrKillTimeout = errors.New("kill not confirmed within timeout")

	// ErrParallelLimit is returned when the configured parallel task
	// limit is reached.
	ErrParallelLimit = errors.New("parallel task limit reached")
)

// SpawnError reports a failure to start a process. The task never
// reaches the Running state when spawn fails.
type SpawnError struct {
	// Target is the target ID the spawn was attempted for.
	Target string

	// Stage identifies what failed: "workdir", "command", or "start".
	Stage string

	// Err is the underlying cause.
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Target, e.Stage, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// StreamError reports an I/O failure while draining process output.
// It resolves the task to Failed.
type StreamError struct {
	// Stream is the stream the failure occurred on.
	Stream Stream

	// Err is the underlying cause.
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Stream, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
