package run

import "fmt"

// State represents the state of a task execution.
type State int

const (
	// StatePending indicates the task is registered but its process
	// has not started.
	StatePending State = iota
	// StateRunning indicates the process is running.
	StateRunning
	// StateCancelling indicates termination was requested and the
	// process has not yet exited.
	StateCancelling
	// StateCompleted indicates the process exited. The exit code may
	// be nonzero; that is not a system fault.
	StateCompleted
	// StateFailed indicates the run failed without a usable exit:
	// spawn failure, stream read failure, or an unconfirmed kill.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// canTransition reports whether moving from s to next is legal.
//
// Legal paths:
//
//	Pending → Running | Failed
//	Running → Cancelling | Completed | Failed
//	Cancelling → Completed | Failed
func (s State) canTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateRunning || next == StateFailed
	case StateRunning:
		return next == StateCancelling || next == StateCompleted || next == StateFailed
	case StateCancelling:
		return next == StateCompleted || next == StateFailed
	default:
		return false
	}
}
