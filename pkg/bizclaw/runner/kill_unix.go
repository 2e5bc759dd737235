//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree asks the process group to exit.
func terminateTree(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killTree forcibly kills the process group.
func killTree(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
