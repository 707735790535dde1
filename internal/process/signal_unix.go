//go:build !windows

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the shell in its own group so an interrupt reaches
// the foreground command as well as the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interrupt(s *shell) error {
	pid := s.Pid()
	if pid == 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGINT); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
