//go:build windows

package runner

import (
	"os/exec"
	"strconv"
)

func setProcAttr(cmd *exec.Cmd) {}

// terminateTree and killTree both use taskkill /T, which is the closest
// Windows equivalent of killing a POSIX process group.
func terminateTree(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func killTree(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}
