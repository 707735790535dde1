package process

import (
	"bytes"
	"strings"
	"sync"
)

// Double is an in-memory Handle for tests. Output is whatever the test
// emits, optionally computed from each write by Respond.
type Double struct {
	mu          sync.Mutex
	input       strings.Builder
	pending     bytes.Buffer
	interrupts  int
	closed      bool
	closeCalls  int
	pid         int
	respond     func(input string) string
	failWriting bool
}

// NewDouble creates a Double. respond may be nil.
func NewDouble(respond func(input string) string) *Double {
	return &Double{pid: 4242, respond: respond}
}

var _ Handle = (*Double)(nil)

func (d *Double) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.failWriting {
		return ErrWriteQueueFull
	}
	d.input.Write(p)
	if d.respond != nil {
		d.pending.WriteString(d.respond(string(p)))
	}
	return nil
}

func (d *Double) Drain() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending.Len() == 0 {
		return nil
	}
	b := bytes.Clone(d.pending.Bytes())
	d.pending.Reset()
	return b
}

func (d *Double) Interrupt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupts++
	return nil
}

func (d *Double) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	if d.closed {
		return nil
	}
	d.interrupts++
	d.input.WriteString("exit\n")
	d.closed = true
	return nil
}

func (d *Double) Pid() int { return d.pid }

// Emit queues output as if the shell had printed it.
func (d *Double) Emit(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.WriteString(s)
}

// Input returns everything written to the shell so far.
func (d *Double) Input() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.input.String()
}

func (d *Double) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Double) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// FailWrites makes every later Write fail.
func (d *Double) FailWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWriting = true
}

// EchoResponder is a tiny stand-in for a shell: every `echo <text>`
// segment of a ';'-separated line prints <text>.
func EchoResponder(input string) string {
	var out strings.Builder
	line := strings.TrimRight(input, "\r\n")
	for _, part := range strings.Split(line, ";") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "echo "); ok {
			out.WriteString(rest)
			out.WriteString("\n")
		}
	}
	return out.String()
}
