//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// startPTY runs the shell on a pseudo-terminal. Terminal echo is switched
// off and prompts are emptied so the transcript only carries program output.
func startPTY(opts Options) (Handle, error) {
	cmd := exec.Command(opts.Program, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "PS1=", "PS2=", "TERM=dumb")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 200})
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", opts.Program, err)
	}

	s := newShell(cmd, ptmx, opts)
	s.release = func() { ptmx.Close() }
	s.readers.Add(1)
	go s.copyOutput(ptyReader{ptmx})
	go s.waitExit()

	if err := s.Write([]byte("stty -echo" + opts.EOL)); err != nil {
		s.Close()
		return nil, fmt.Errorf("disable pty echo: %w", err)
	}
	return s, nil
}

// ptyReader reports the EIO a pty master returns after the child exits as EOF.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if errors.Is(err, syscall.EIO) {
		return n, os.ErrClosed
	}
	return n, err
}
