//go:build !windows

package claude

import (
	"os/exec"
	"syscall"
)

const (
	gracefulSignal = syscall.SIGTERM
	forcefulSignal = syscall.SIGKILL
)

// configureProcAttr places the child in its own process group so signals
// reach the whole subtree (shells, language runtimes) it spawns.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processGroup returns the child's process group id. With Setpgid the group
// leader is the child itself.
func processGroup(cmd *exec.Cmd) int {
	if cmd.Process == nil {
		return -1
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Pid
	}
	return pgid
}

// signalGroup delivers sig to every process in the group.
func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	return syscall.Kill(-pgid, sig)
}
