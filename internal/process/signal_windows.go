package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// interrupt writes Ctrl+C twice; cmd.exe on a pipe has no console to signal.
func interrupt(s *shell) error {
	err := s.Write([]byte{3, 3})
	if err == ErrClosed {
		return nil
	}
	return err
}
