//go:build !windows

package client

import (
	"os/exec"
	"syscall"
)

// detach starts the service in its own session so it outlives the
// terminal that launched it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
