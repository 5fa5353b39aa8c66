//go:build unix

package proc

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so descendants can
// be signalled with a single killpg.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalChild delivers sig to the child, or to its whole process group when
// the child was started with one. ESRCH (already gone) is ignored.
func signalChild(pid int, sig syscall.Signal, group bool) {
	target := pid
	if group {
		target = -pid
	}
	err := syscall.Kill(target, sig)
	if err != nil && err != syscall.ESRCH && group {
		// Group may not exist yet; fall back to the direct pid.
		_ = syscall.Kill(pid, sig)
	}
}
