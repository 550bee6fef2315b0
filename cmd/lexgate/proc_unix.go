//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc puts the daemon in its own session so it outlives the
// dashboard.
func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
