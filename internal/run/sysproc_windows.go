//go:build windows

package run

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in its own process group so the
// console control events of the parent do not reach it.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateGroup forcibly ends the process. Windows has no cooperative
// termination signal for arbitrary child processes, so terminate and
// kill behave the same here.
func terminateGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

// killGroup forcibly ends the process.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return ErrNotRunning
	}
	return cmd.Process.Kill()
}

// signaled reports whether the process was ended by a signal. Windows
// exit statuses do not carry signal information.
func signaled(_ *exec.ExitError) bool {
	return false
}
