package run

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpawnSpec describes one process to launch. The launcher treats it as
// read-only.
type SpawnSpec struct {
	// Name is a human-readable name for the process.
	Name string

	// Command is the executable or command string to run.
	Command string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory. Must exist when set.
	Dir string

	// Env is the fully merged environment. Nil inherits the parent's.
	Env []string

	// Shell, when non-nil, wraps the command in the given shell
	// invocation. Nil runs the command directly.
	Shell *Invocation
}

// Launcher spawns OS processes for the coordinator. It is the only
// component in the core that touches OS process primitives.
type Launcher struct {
	defaultDir string
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithDefaultDir sets the working directory used when a spec does not
// provide one.
func WithDefaultDir(dir string) LauncherOption {
	return func(l *Launcher) {
		l.defaultDir = dir
	}
}

// NewLauncher creates a new process launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Spawn starts one process for the given spec.
//
// Spawn returns once the OS confirms process creation. Any failure
// (missing executable, invalid working directory, permission denied) is
// reported synchronously as a *SpawnError and never yields a running
// process. The returned Proc's stdout and stderr pipes must be drained
// by the caller.
func (l *Launcher) Spawn(ctx context.Context, spec SpawnSpec) (*Proc, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, &SpawnError{Target: spec.Name, Stage: "command", Err: fmt.Errorf("empty command")}
	}

	dir := spec.Dir
	if dir == "" {
		dir = l.defaultDir
	}
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, &SpawnError{Target: spec.Name, Stage: "workdir", Err: err}
		}
		if !info.IsDir() {
			return nil, &SpawnError{Target: spec.Name, Stage: "workdir", Err: fmt.Errorf("not a directory: %s", dir)}
		}
	}

	var cmd *exec.Cmd
	if spec.Shell != nil {
		line := ShellJoin(spec.Command, spec.Args)
		cmd = exec.CommandContext(ctx, spec.Shell.Path, spec.Shell.CommandArgs(line)...)
	} else {
		cmd = exec.CommandContext(ctx, spec.Command, spec.Args...)
	}

	cmd.Dir = dir
	cmd.Env = spec.Env
	// Cancellation is driven by Terminate/Kill on the process group,
	// not by the context killing only the direct child.
	cmd.Cancel = func() error { return terminateGroup(cmd) }
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Target: spec.Name, Stage: "start", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Target: spec.Name, Stage: "start", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Target: spec.Name, Stage: "start", Err: err}
	}

	p := &Proc{
		ID:      uuid.New().String(),
		Name:    spec.Name,
		Started: time.Now(),
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	p.state.Store(int32(procRunning))
	p.exitCode.Store(-1)

	// The caller must drain stdout/stderr to EOF and then call
	// waitLoop; calling Wait before the pipes are drained would let
	// the runtime close them under the reader.
	return p, nil
}
