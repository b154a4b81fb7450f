package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/runstorm/internal/target"
)

// procTarget builds a direct /bin/sh target so tests never depend on
// the user's login shell or its startup files.
func procTarget(id, script string) *target.Target {
	return &target.Target{
		ID:      id,
		Name:    id,
		Kind:    target.KindProcess,
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	}
}

// waitTerminal blocks until the task finishes and returns its snapshot.
func waitTerminal(t *testing.T, c *Coordinator, h Handle, timeout time.Duration) Snapshot {
	t.Helper()

	done := make(chan struct{})
	go func() {
		_ = c.Wait(h)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("task did not reach a terminal state within %v", timeout)
	}

	snap, err := c.State(h)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return snap
}

func TestCoordinatorRunToCompletion(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	h, err := c.Run(context.Background(), procTarget("t1", "echo hi; echo done"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := waitTerminal(t, c, h, 5*time.Second)
	if snap.State != StateCompleted {
		t.Errorf("State = %v, want completed", snap.State)
	}
	if snap.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", snap.ExitCode)
	}
	if snap.Lines != 2 {
		t.Errorf("Lines = %d, want 2", snap.Lines)
	}
	if snap.FinishedAt.Before(snap.StartedAt) {
		t.Error("FinishedAt before StartedAt")
	}
}

func TestCoordinatorNonzeroExitIsCompleted(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	h, err := c.Run(context.Background(), procTarget("t1", "exit 3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := waitTerminal(t, c, h, 5*time.Second)
	if snap.State != StateCompleted {
		t.Errorf("State = %v, want completed (nonzero exit is not a task failure)", snap.State)
	}
	if snap.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", snap.ExitCode)
	}
	if snap.Err != nil {
		t.Errorf("Err = %v, want nil", snap.Err)
	}
}

func TestCoordinatorExclusivePerTarget(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	tgt := procTarget("t1", "sleep 0.4")
	h1, err := c.Run(context.Background(), tgt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := c.Run(context.Background(), tgt); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run err = %v, want ErrAlreadyRunning", err)
	}

	waitTerminal(t, c, h1, 5*time.Second)

	h2, err := c.Run(context.Background(), tgt)
	if err != nil {
		t.Fatalf("Run after completion: %v", err)
	}
	waitTerminal(t, c, h2, 5*time.Second)
}

func TestCoordinatorConcurrentRunSingleWinner(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	tgt := procTarget("t1", "sleep 0.3")

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners int
	var handle Handle

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Run(context.Background(), tgt)
			if err == nil {
				mu.Lock()
				winners++
				handle = h
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyRunning) {
				t.Errorf("unexpected Run error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	waitTerminal(t, c, handle, 5*time.Second)
}

func TestCoordinatorDistinctTargetsRunConcurrently(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	h1, err := c.Run(context.Background(), procTarget("t1", "sleep 0.3"))
	if err != nil {
		t.Fatalf("Run t1: %v", err)
	}
	h2, err := c.Run(context.Background(), procTarget("t2", "sleep 0.3"))
	if err != nil {
		t.Fatalf("Run t2: %v", err)
	}

	active := c.ListActive()
	if len(active) != 2 {
		t.Errorf("ListActive = %d handles, want 2", len(active))
	}
	if len(active) == 2 && (active[0] != h1 || active[1] != h2) {
		t.Error("ListActive not ordered by start time")
	}

	waitTerminal(t, c, h1, 5*time.Second)
	waitTerminal(t, c, h2, 5*time.Second)
}

func TestCoordinatorCancelCooperative(t *testing.T) {
	c := NewCoordinator(NewLauncher(), WithGracePeriod(2*time.Second))
	defer c.Close()

	h, err := c.Run(context.Background(), procTarget("t1", "sleep 30"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := c.Cancel(h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// A second cancel while cancelling is a no-op.
	if err := c.Cancel(h); err != nil {
		t.Errorf("Cancel while cancelling: %v", err)
	}

	snap := waitTerminal(t, c, h, 5*time.Second)
	if snap.State != StateCompleted {
		t.Errorf("State = %v, want completed", snap.State)
	}

	if err := c.Cancel(h); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Cancel after terminal err = %v, want ErrNotRunning", err)
	}
}

func TestCoordinatorCancelPendingDeferred(t *testing.T) {
	c := NewCoordinator(NewLauncher(), WithGracePeriod(2*time.Second))
	defer c.Close()

	tgt := procTarget("t1", "sleep 30")

	// Register the task exactly as Run does before the spawn lands.
	task := &runningTask{
		handle:   newHandle(),
		target:   tgt,
		state:    StatePending,
		exitCode: -1,
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.seq++
	task.seq = c.seq
	c.byTarget[tgt.ID] = task
	c.byHandle[task.handle] = task
	c.active++
	c.mu.Unlock()

	// A cancel in the pending window is accepted and deferred.
	if err := c.Cancel(task.handle); err != nil {
		t.Fatalf("Cancel while pending: %v", err)
	}
	if snap, err := c.State(task.handle); err != nil || snap.State != StatePending {
		t.Fatalf("State = %v, %v, want pending before the process starts", snap.State, err)
	}

	proc, err := c.launcher.Spawn(context.Background(), c.spawnSpec(tgt))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	c.activate(task, proc, newMux(task.handle, 0, 0))

	// The deferred cancel fires on activation, so the long sleep dies
	// well before its own runtime.
	snap := waitTerminal(t, c, task.handle, 5*time.Second)
	if snap.State != StateCompleted {
		t.Errorf("State = %v, want completed after deferred cancel", snap.State)
	}
}

func TestCoordinatorCancelEscalatesToKill(t *testing.T) {
	c := NewCoordinator(NewLauncher(),
		WithGracePeriod(100*time.Millisecond),
		WithKillTimeout(2*time.Second),
	)
	defer c.Close()

	h, err := c.Run(context.Background(), procTarget("t1", `trap "" TERM; sleep 30`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Give the shell time to install the trap.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if err := c.Cancel(h); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	snap := waitTerminal(t, c, h, 5*time.Second)
	if snap.State != StateCompleted {
		t.Errorf("State = %v, want completed after forced kill", snap.State)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("termination took %v, beyond grace + kill bound", elapsed)
	}
}

func TestCoordinatorSpawnFailure(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	tgt := &target.Target{
		ID:      "ghost",
		Name:    "ghost",
		Kind:    target.KindProcess,
		Command: "/nonexistent/binary/xyz",
	}
	h, err := c.Run(context.Background(), tgt)
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Run err = %v, want *SpawnError", err)
	}
	if h == "" {
		t.Fatal("Run returned no handle for the failed attempt")
	}

	snap, err := c.State(h)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.State != StateFailed {
		t.Errorf("State = %v, want failed", snap.State)
	}
	if !errors.As(snap.Err, &spawnErr) {
		t.Errorf("snapshot Err = %v, want *SpawnError", snap.Err)
	}
	if !snap.StartedAt.IsZero() {
		t.Error("StartedAt set for a task that never started")
	}

	if _, _, err := c.Subscribe(h, 0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Subscribe err = %v, want ErrNotRunning", err)
	}

	// The failed task does not block a retry.
	h2, err := c.Run(context.Background(), procTarget("ghost", "true"))
	if err != nil {
		t.Fatalf("Run retry: %v", err)
	}
	waitTerminal(t, c, h2, 5*time.Second)
}

func TestCoordinatorSubscribeReceivesOrderedLines(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	h, err := c.Run(context.Background(), procTarget("t1", "sleep 0.2; echo a; echo b; echo c"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ch, cancel, err := c.Subscribe(h, 16)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	lines, marker := collect(t, ch, 5*time.Second)

	want := []string{"a", "b", "c"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %d, want %d", len(lines), len(want))
	}
	for i, line := range lines {
		if line.Content != want[i] {
			t.Errorf("line[%d] = %q, want %q", i, line.Content, want[i])
		}
		if line.Handle != h {
			t.Errorf("line[%d] handle = %q, want %q", i, line.Handle, h)
		}
		if line.Stream != StreamStdout {
			t.Errorf("line[%d] stream = %v, want stdout", i, line.Stream)
		}
		if line.Seq != uint64(i+1) {
			t.Errorf("line[%d] seq = %d, want %d", i, line.Seq, i+1)
		}
	}
	if marker.ExitCode != 0 {
		t.Errorf("marker exit code = %d, want 0", marker.ExitCode)
	}
}

func TestCoordinatorTrailingPartialLineFlushed(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	h, err := c.Run(context.Background(), procTarget("t1", "sleep 0.2; printf partial"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	ch, cancel, err := c.Subscribe(h, 4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	lines, _ := collect(t, ch, 5*time.Second)
	if len(lines) != 1 || lines[0].Content != "partial" {
		t.Errorf("lines = %v, want one %q line", lines, "partial")
	}
}

func TestCoordinatorAcknowledge(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	h, err := c.Run(context.Background(), procTarget("t1", "sleep 0.3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := c.Acknowledge(h); !errors.Is(err, ErrStillRunning) {
		t.Errorf("Acknowledge while running err = %v, want ErrStillRunning", err)
	}

	waitTerminal(t, c, h, 5*time.Second)

	if err := c.Acknowledge(h); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if _, err := c.State(h); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("State after acknowledge err = %v, want ErrTaskNotFound", err)
	}
	if err := c.Cancel(h); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Cancel after acknowledge err = %v, want ErrTaskNotFound", err)
	}
}

func TestCoordinatorMaxParallel(t *testing.T) {
	c := NewCoordinator(NewLauncher(), WithMaxParallel(1))
	defer c.Close()

	h1, err := c.Run(context.Background(), procTarget("t1", "sleep 0.3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := c.Run(context.Background(), procTarget("t2", "true")); !errors.Is(err, ErrParallelLimit) {
		t.Errorf("Run over limit err = %v, want ErrParallelLimit", err)
	}

	waitTerminal(t, c, h1, 5*time.Second)

	h2, err := c.Run(context.Background(), procTarget("t2", "true"))
	if err != nil {
		t.Fatalf("Run after slot freed: %v", err)
	}
	waitTerminal(t, c, h2, 5*time.Second)
}

func TestCoordinatorClose(t *testing.T) {
	c := NewCoordinator(NewLauncher(),
		WithGracePeriod(500*time.Millisecond),
		WithShutdownGrace(5*time.Second),
	)

	h, err := c.Run(context.Background(), procTarget("t1", "sleep 30"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	c.Close()
	c.Close() // idempotent

	snap, err := c.State(h)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !snap.State.Terminal() {
		t.Errorf("State = %v, want terminal after Close", snap.State)
	}

	if _, err := c.Run(context.Background(), procTarget("t2", "true")); !errors.Is(err, ErrCoordinatorClosed) {
		t.Errorf("Run after Close err = %v, want ErrCoordinatorClosed", err)
	}
}

func TestCoordinatorStateUnknownHandle(t *testing.T) {
	c := NewCoordinator(NewLauncher())
	defer c.Close()

	if _, err := c.State(Handle("nope")); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("State err = %v, want ErrTaskNotFound", err)
	}
	if err := c.Cancel(Handle("nope")); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Cancel err = %v, want ErrTaskNotFound", err)
	}
}
