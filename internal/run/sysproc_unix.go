//go:build unix

package run

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group so that
// signals reach the whole tree (shell plus whatever it spawned).
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminateGroup sends SIGTERM to the child's process group.
func terminateGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return ErrNotRunning
	}
	// Negative PID addresses the process group.
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err == syscall.ESRCH {
		// Group already gone; the exit is in flight.
		return nil
	}
	return err
}

// signaled reports whether the process was ended by a signal.
func signaled(exitErr *exec.ExitError) bool {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}
