//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// sendSignal signals the worker's process group and falls back to the pid.
func sendSignal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// detach starts the worker in its own session, away from the controlling terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
