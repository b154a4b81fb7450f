package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dshills/runstorm/internal/target"
	"github.com/google/uuid"
)

// Default timing configuration.
const (
	// DefaultGracePeriod is the time allowed for cooperative
	// termination before a forced kill is attempted.
	DefaultGracePeriod = 5 * time.Second

	// DefaultKillTimeout is the time allowed for a forced kill to be
	// confirmed before the task is failed.
	DefaultKillTimeout = 3 * time.Second

	// DefaultShutdownGrace bounds how long Close waits for tasks to
	// reach a terminal state.
	DefaultShutdownGrace = 10 * time.Second

	// DefaultSubscribeBuffer is the per-subscriber channel capacity.
	DefaultSubscribeBuffer = 256
)

// Handle is an opaque reference to one run attempt of a target.
type Handle string

func newHandle() Handle {
	return Handle(uuid.New().String())
}

// Snapshot is an immutable copy of a task's observable state. It never
// aliases live coordinator state.
type Snapshot struct {
	// Handle identifies the run attempt.
	Handle Handle

	// TargetID is the target this run belongs to.
	TargetID string

	// TargetName is the target's display name.
	TargetName string

	// State is the task state at snapshot time.
	State State

	// ExitCode is the process exit code, -1 until Completed.
	ExitCode int

	// Err is the terminal failure reason for Failed tasks.
	Err error

	// StartedAt is when the process started. Zero for spawn failures.
	StartedAt time.Time

	// FinishedAt is when the task reached a terminal state.
	FinishedAt time.Time

	// Lines counts output lines seen across both streams.
	Lines uint64

	// Dropped counts lines dropped across all subscribers.
	Dropped uint64
}

// runningTask is the coordinator's record of one run attempt. It is
// mutated only with the coordinator's mutex held.
type runningTask struct {
	handle Handle
	target *target.Target
	seq    uint64

	state      State
	startedAt  time.Time
	finishedAt time.Time
	exitCode   int
	reason     error

	// cancelRequested records a Cancel that arrived while the spawn
	// was still in flight; it is applied as soon as the process starts.
	cancelRequested bool

	proc *Proc
	mux  *Mux

	graceTimer *time.Timer
	killTimer  *time.Timer

	// done is closed when the task reaches a terminal state.
	done chan struct{}
}

// Coordinator owns the authoritative task registry and is the sole
// entry point callers use to run, cancel, inspect, and subscribe to
// targets.
//
// For any target ID, at most one task in a non-terminal state exists at
// any instant. All registry mutation is serialized behind one mutex;
// the mutex is never held across process I/O, so one task's output can
// never stall another task or the registry. Exclusivity holds only for
// the lifetime of one Coordinator; no durable cross-instance lock is
// provided.
type Coordinator struct {
	launcher *Launcher

	shell         ShellConfig
	env           map[string]string
	grace         time.Duration
	killTimeout   time.Duration
	shutdownGrace time.Duration
	ringSize      int
	maxParallel   int

	mu       sync.Mutex
	byTarget map[string]*runningTask
	byHandle map[Handle]*runningTask
	active   int
	seq      uint64
	closed   bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithGracePeriod sets the cooperative termination window.
func WithGracePeriod(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithKillTimeout sets how long a forced kill may take to confirm.
func WithKillTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.killTimeout = d
		}
	}
}

// WithShutdownGrace bounds how long Close waits for running tasks.
func WithShutdownGrace(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.shutdownGrace = d
		}
	}
}

// WithMaxParallel caps concurrent tasks. Zero (default) is unlimited.
func WithMaxParallel(n int) CoordinatorOption {
	return func(c *Coordinator) {
		c.maxParallel = n
	}
}

// WithRingSize sets the per-stream retained line capacity.
func WithRingSize(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.ringSize = n
		}
	}
}

// WithShellConfig sets the project shell configuration.
func WithShellConfig(cfg ShellConfig) CoordinatorOption {
	return func(c *Coordinator) {
		c.shell = cfg
	}
}

// WithProjectEnv sets project-level environment overrides applied to
// every task beneath the target's own overrides.
func WithProjectEnv(env map[string]string) CoordinatorOption {
	return func(c *Coordinator) {
		c.env = env
	}
}

// NewCoordinator creates a coordinator using the given launcher.
func NewCoordinator(launcher *Launcher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		launcher:      launcher,
		grace:         DefaultGracePeriod,
		killTimeout:   DefaultKillTimeout,
		shutdownGrace: DefaultShutdownGrace,
		ringSize:      DefaultRingSize,
		byTarget:      make(map[string]*runningTask),
		byHandle:      make(map[Handle]*runningTask),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts one run of the given target.
//
// Run rejects immediately with ErrAlreadyRunning, without any registry
// mutation, if a non-terminal task already exists for the target's ID.
// Spawn failures are reported synchronously as a *SpawnError; the task
// is recorded as Failed and never reaches Running. The returned handle
// is valid for State queries even when an error is returned alongside
// it.
func (c *Coordinator) Run(ctx context.Context, tgt *target.Target) (Handle, error) {
	if err := tgt.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClosed
	}
	if existing, ok := c.byTarget[tgt.ID]; ok && !existing.state.Terminal() {
		c.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	if c.maxParallel > 0 && c.active >= c.maxParallel {
		c.mu.Unlock()
		return "", ErrParallelLimit
	}

	c.seq++
	task := &runningTask{
		handle:   newHandle(),
		target:   tgt,
		seq:      c.seq,
		state:    StatePending,
		exitCode: -1,
		done:     make(chan struct{}),
	}
	c.byTarget[tgt.ID] = task
	c.byHandle[task.handle] = task
	c.active++
	c.mu.Unlock()

	proc, err := c.launcher.Spawn(ctx, c.spawnSpec(tgt))
	if err != nil {
		c.mu.Lock()
		c.setTerminal(task, StateFailed, err, -1)
		c.mu.Unlock()
		return task.handle, err
	}

	c.activate(task, proc, newMux(task.handle, c.ringSize, 0))
	return task.handle, nil
}

// activate records a spawned process for a pending task and starts
// draining and monitoring. A cancellation requested during the spawn
// is applied here, before any output is observed.
func (c *Coordinator) activate(task *runningTask, proc *Proc, mux *Mux) {
	c.mu.Lock()
	task.proc = proc
	task.mux = mux
	task.startedAt = proc.Started
	task.state = StateRunning
	if task.cancelRequested {
		c.beginCancel(task)
	}
	c.mu.Unlock()

	mux.Drain(proc.Stdout(), proc.Stderr())
	go c.monitor(task)
}

// spawnSpec builds the launch request for a target.
func (c *Coordinator) spawnSpec(tgt *target.Target) SpawnSpec {
	spec := SpawnSpec{
		Name:    tgt.Name,
		Command: tgt.Command,
		Args:    tgt.Args,
		Dir:     tgt.Cwd,
		Env:     MergeEnv(c.env, tgt.Env),
	}

	if tgt.Kind != target.KindProcess {
		shellCfg := c.shell
		if tgt.Shell != "" {
			shellCfg.Shell = tgt.Shell
		}
		inv := ResolveShell(shellCfg)
		spec.Shell = &inv
	}
	return spec
}

// monitor finalizes a task once its process exits and output drains.
func (c *Coordinator) monitor(task *runningTask) {
	// Pipes must reach EOF before waiting, or the runtime would close
	// them under the drain goroutines.
	task.mux.Wait()
	task.proc.waitLoop()
	<-task.proc.Done()

	exitCode := task.proc.ExitCode()
	readErr := task.mux.ReadErr()

	c.mu.Lock()
	task.stopTimers()
	if !task.state.Terminal() {
		if readErr != nil {
			c.setTerminal(task, StateFailed, readErr, -1)
		} else {
			c.setTerminal(task, StateCompleted, nil, exitCode)
		}
	}
	c.mu.Unlock()

	task.mux.Finish(exitCode)
}

// setTerminal applies a terminal transition. Caller holds c.mu.
func (c *Coordinator) setTerminal(task *runningTask, state State, reason error, exitCode int) {
	if !task.state.canTransition(state) {
		return
	}
	task.state = state
	task.reason = reason
	task.exitCode = exitCode
	task.finishedAt = time.Now()
	task.stopTimers()
	c.active--
	close(task.done)
}

func (t *runningTask) stopTimers() {
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	if t.killTimer != nil {
		t.killTimer.Stop()
	}
}

// Cancel requests termination of a task.
//
// Cancel is asynchronous: it returns once the cooperative termination
// signal is issued, not once the process exits. The terminal transition
// is applied later by the exit monitor, or by the kill-timeout
// escalation when the process refuses to die. Cancelling an already
// terminal task returns ErrNotRunning and changes nothing; cancelling a
// task that is already Cancelling is a no-op. Cancelling a Pending task
// is recorded and applied the moment its process starts.
func (c *Coordinator) Cancel(handle Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.byHandle[handle]
	if !ok {
		return ErrTaskNotFound
	}
	switch {
	case task.state.Terminal():
		return ErrNotRunning
	case task.state == StateCancelling:
		return nil
	case task.state == StatePending:
		// Spawn still in flight; there is no process to signal yet.
		task.cancelRequested = true
		return nil
	}

	c.beginCancel(task)
	return nil
}

// beginCancel signals the process group and arms the grace timer.
// Caller holds c.mu and the task is Running.
func (c *Coordinator) beginCancel(task *runningTask) {
	task.state = StateCancelling
	_ = task.proc.Terminate()
	task.graceTimer = time.AfterFunc(c.grace, func() {
		c.escalate(task)
	})
}

// escalate forces a kill after the grace period expires.
func (c *Coordinator) escalate(task *runningTask) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if task.state.Terminal() {
		return
	}
	_ = task.proc.Kill()
	task.killTimer = time.AfterFunc(c.killTimeout, func() {
		c.failKillTimeout(task)
	})
}

// failKillTimeout marks a task Failed when even SIGKILL went
// unconfirmed. The task is flagged for operator attention rather than
// sitting in Cancelling forever.
func (c *Coordinator) failKillTimeout(task *runningTask) {
	c.mu.Lock()
	if task.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.setTerminal(task, StateFailed, ErrKillTimeout, -1)
	c.mu.Unlock()

	// Release any subscribers; the exit monitor may never run.
	task.mux.Finish(-1)
}

// State returns an immutable snapshot of a task.
func (c *Coordinator) State(handle Handle) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.byHandle[handle]
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}

	snap := Snapshot{
		Handle:     task.handle,
		TargetID:   task.target.ID,
		TargetName: task.target.Name,
		State:      task.state,
		ExitCode:   task.exitCode,
		Err:        task.reason,
		StartedAt:  task.startedAt,
		FinishedAt: task.finishedAt,
	}
	if task.mux != nil {
		snap.Lines = task.mux.LineCount(StreamStdout) + task.mux.LineCount(StreamStderr)
		snap.Dropped = task.mux.Dropped()
	}
	return snap, nil
}

// ListActive returns the handles of all non-terminal tasks ordered by
// start time.
func (c *Coordinator) ListActive() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks := make([]*runningTask, 0, c.active)
	for _, task := range c.byHandle {
		if !task.state.Terminal() {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].startedAt.Equal(tasks[j].startedAt) {
			return tasks[i].seq < tasks[j].seq
		}
		return tasks[i].startedAt.Before(tasks[j].startedAt)
	})

	handles := make([]Handle, len(tasks))
	for i, task := range tasks {
		handles[i] = task.handle
	}
	return handles
}

// Subscribe registers a consumer for a task's tagged line stream.
// Multiple subscribers are permitted; late subscribers receive only
// lines emitted after subscription. The channel is closed after the
// exit marker. A buffer of 0 selects DefaultSubscribeBuffer.
func (c *Coordinator) Subscribe(handle Handle, buffer int) (<-chan Line, func(), error) {
	c.mu.Lock()
	task, ok := c.byHandle[handle]
	if !ok {
		c.mu.Unlock()
		return nil, nil, ErrTaskNotFound
	}
	if task.mux == nil {
		c.mu.Unlock()
		return nil, nil, ErrNotRunning
	}
	mux := task.mux
	c.mu.Unlock()

	ch, cancel := mux.Subscribe(buffer)
	return ch, cancel, nil
}

// Acknowledge evicts a terminal task from the registry. Non-terminal
// tasks cannot be acknowledged.
func (c *Coordinator) Acknowledge(handle Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.byHandle[handle]
	if !ok {
		return ErrTaskNotFound
	}
	if !task.state.Terminal() {
		return ErrStillRunning
	}

	delete(c.byHandle, handle)
	if c.byTarget[task.target.ID] == task {
		delete(c.byTarget, task.target.ID)
	}
	return nil
}

// Wait blocks until the task reaches a terminal state.
func (c *Coordinator) Wait(handle Handle) error {
	c.mu.Lock()
	task, ok := c.byHandle[handle]
	c.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	<-task.done
	return nil
}

// Close cancels all non-terminal tasks and waits up to the shutdown
// grace period for them to finish, then returns regardless of outcome.
// Further Run calls return ErrCoordinatorClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	tasks := make([]*runningTask, 0, c.active)
	for _, task := range c.byHandle {
		if !task.state.Terminal() {
			tasks = append(tasks, task)
		}
	}
	c.mu.Unlock()

	for _, task := range tasks {
		_ = c.Cancel(task.handle)
	}

	deadline := time.NewTimer(c.shutdownGrace)
	defer deadline.Stop()
	for _, task := range tasks {
		select {
		case <-task.done:
		case <-deadline.C:
			return
		}
	}
}
