// Package process spawns native shells and exposes their streams without
// blocking the caller: writes are queued, reads return whatever output has
// arrived so far.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	writeQueueSize  = 256
	readChunkSize   = 32 * 1024
	gracefulTimeout = 5 * time.Second
)

var (
	ErrClosed         = errors.New("process closed")
	ErrWriteQueueFull = errors.New("process write queue full")
)

// Handle is one running shell.
type Handle interface {
	// Write queues p for the shell's stdin. It never waits on the child.
	Write(p []byte) error
	// Drain returns the output received since the previous call. An empty
	// result means no data yet, not an error.
	Drain() []byte
	// Interrupt sends the shell the equivalent of Ctrl+C.
	Interrupt() error
	// Close interrupts the shell, asks it to exit and releases its streams.
	// Calling Close more than once is safe.
	Close() error
	Pid() int
}

// Launcher starts shells.
type Launcher interface {
	Launch() (Handle, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func() (Handle, error)

func (f LauncherFunc) Launch() (Handle, error) { return f() }

// Options configure the shells started by NewLauncher.
type Options struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	EOL     string
	PTY     bool
	Logger  *slog.Logger
}

// NewLauncher returns a Launcher for opts, pty-backed when opts.PTY is set.
func NewLauncher(opts Options) Launcher {
	if opts.EOL == "" {
		opts.EOL = "\n"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return LauncherFunc(func() (Handle, error) {
		if opts.PTY {
			return startPTY(opts)
		}
		return startPipe(opts)
	})
}

// shell is the Handle shared by the pipe and pty backends.
type shell struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	eol    string
	logger *slog.Logger

	outMu sync.Mutex
	out   bytes.Buffer

	wmu    sync.Mutex
	writeq chan []byte
	closed bool

	readers   sync.WaitGroup
	exited    chan struct{}
	closeOnce sync.Once
	release   func()
}

func newShell(cmd *exec.Cmd, stdin io.WriteCloser, opts Options) *shell {
	s := &shell{
		cmd:    cmd,
		stdin:  stdin,
		eol:    opts.EOL,
		logger: opts.Logger,
		writeq: make(chan []byte, writeQueueSize),
		exited: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *shell) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *shell) Write(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return ErrClosed
	}

	buf := bytes.Clone(p)
	select {
	case s.writeq <- buf:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (s *shell) Drain() []byte {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.out.Len() == 0 {
		return nil
	}
	b := bytes.Clone(s.out.Bytes())
	s.out.Reset()
	return b
}

func (s *shell) Interrupt() error {
	return interrupt(s)
}

func (s *shell) Close() error {
	s.closeOnce.Do(func() {
		if err := s.Interrupt(); err != nil {
			s.logger.Debug("interrupt shell", "pid", s.Pid(), "err", err)
		}

		s.wmu.Lock()
		select {
		case s.writeq <- []byte("exit" + s.eol):
		default:
		}
		s.closed = true
		close(s.writeq)
		s.wmu.Unlock()

		go s.reap()
	})
	return nil
}

// reap force-kills a shell that ignored exit, then releases what the
// backend still holds open.
func (s *shell) reap() {
	select {
	case <-s.exited:
	case <-time.After(gracefulTimeout):
		if s.cmd.Process != nil {
			s.logger.Warn("shell did not exit, killing", "pid", s.Pid())
			_ = s.cmd.Process.Kill()
		}
		<-s.exited
	}
	if s.release != nil {
		s.release()
	}
}

func (s *shell) writeLoop() {
	for p := range s.writeq {
		if _, err := s.stdin.Write(p); err != nil {
			s.logger.Debug("write to shell", "pid", s.Pid(), "err", err)
		}
	}
	s.stdin.Close()
}

// copyOutput appends everything read from r to the drain buffer until r fails.
func (s *shell) copyOutput(r io.Reader) {
	defer s.readers.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.outMu.Lock()
			s.out.Write(buf[:n])
			s.outMu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Debug("read from shell", "pid", s.Pid(), "err", err)
			}
			return
		}
	}
}

// waitExit waits for the output readers and then the process.
func (s *shell) waitExit() {
	s.readers.Wait()
	if err := s.cmd.Wait(); err != nil {
		s.logger.Debug("shell exited", "pid", s.Pid(), "err", err)
	}
	close(s.exited)
}

func startPipe(opts Options) (Handle, error) {
	cmd := exec.Command(opts.Program, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Program, err)
	}

	s := newShell(cmd, stdin, opts)
	s.readers.Add(2)
	go s.copyOutput(stdout)
	go s.copyOutput(stderr)
	go s.waitExit()

	return s, nil
}
