//go:build !unix

package proc

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalChild(pid int, sig syscall.Signal, group bool) {
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}
