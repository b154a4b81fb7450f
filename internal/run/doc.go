// Package run implements the target execution core for runstorm.
//
// The core spawns one OS process per run request, enforces per-target
// mutual exclusion while allowing cross-target parallelism, streams and
// orders process output, and escalates cooperative cancellation to a
// forced kill on timeout.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                       Coordinator                                │
//	│  - Owns the task registry (one non-terminal task per target)    │
//	│  - Drives the task state machine                                │
//	│  - Run / Cancel / State / ListActive / Subscribe                │
//	└─────────────────────────────────────────────────────────────────┘
//	                              │
//	                              ▼
//	┌──────────────────────────┐   ┌──────────────────────────────────┐
//	│        Launcher           │   │              Mux                 │
//	│  - Resolves shell + env   │   │  - Drains stdout/stderr          │
//	│  - Spawns process groups  │   │  - Tags and sequences lines      │
//	│  - Terminate / Kill       │   │  - Fans out to subscribers       │
//	└──────────────────────────┘   └──────────────────────────────────┘
//
// # Task States
//
// Task executions transition through states:
//
//   - Pending: registered, process not yet started
//   - Running: process started
//   - Cancelling: termination requested, process not yet exited
//   - Completed: process exited (any exit code)
//   - Failed: spawn failure, stream read failure, or unconfirmed kill
//
// Completed and Failed are terminal. A nonzero exit code is not a system
// fault; it is recorded as Completed with that code and left to the
// caller to interpret.
//
// # Output Ordering
//
// Lines within one stream carry strictly increasing sequence numbers and
// are delivered in that order. No ordering guarantee exists between
// stdout and stderr; interleaving is nondeterministic at the OS pipe
// level. Draining never blocks on a slow subscriber: lines a subscriber
// cannot absorb are dropped and counted.
//
// # Usage
//
//	launcher := run.NewLauncher()
//	coord := run.NewCoordinator(launcher, run.WithGracePeriod(3*time.Second))
//	defer coord.Close()
//
//	handle, err := coord.Run(ctx, tgt)
//	if err != nil {
//	    // spawn failure or target already running
//	}
//
//	lines, stop, err := coord.Subscribe(handle, 0)
//	for line := range lines {
//	    if line.Kind == run.KindExit {
//	        break
//	    }
//	    fmt.Println(line.Content)
//	}
//	stop()
package run
