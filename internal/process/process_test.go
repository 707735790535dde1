package process

import (
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return "/bin/sh"
}

// drainUntil polls h until the collected output contains want.
func drainUntil(t *testing.T, h Handle, want string) string {
	t.Helper()
	var got strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got.Write(h.Drain())
		if strings.Contains(got.String(), want) {
			return got.String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, got %q", want, got.String())
	return ""
}

func TestPipeShell_WriteAndDrain(t *testing.T) {
	sh := requireShell(t)
	h, err := NewLauncher(Options{Program: sh}).Launch()
	require.NoError(t, err)
	defer h.Close()

	assert.NotZero(t, h.Pid())
	assert.Empty(t, h.Drain(), "no output before any command")

	require.NoError(t, h.Write([]byte("echo hello\n")))
	out := drainUntil(t, h, "hello\n")
	assert.Equal(t, "hello\n", out)
}

func TestPipeShell_StderrIsCaptured(t *testing.T) {
	sh := requireShell(t)
	h, err := NewLauncher(Options{Program: sh}).Launch()
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Write([]byte("echo oops 1>&2\n")))
	drainUntil(t, h, "oops")
}

func TestPipeShell_CloseIsIdempotent(t *testing.T) {
	sh := requireShell(t)
	h, err := NewLauncher(Options{Program: sh}).Launch()
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Write([]byte("echo late\n")), ErrClosed)
}

func TestLauncher_MissingProgram(t *testing.T) {
	_, err := NewLauncher(Options{Program: "/nonexistent/shell-xyz"}).Launch()
	require.Error(t, err)
}

func TestDouble(t *testing.T) {
	d := NewDouble(EchoResponder)

	require.NoError(t, d.Write([]byte("echo a;echo b\n")))
	assert.Equal(t, "a\nb\n", string(d.Drain()))
	assert.Nil(t, d.Drain())

	d.Emit("Password: ")
	assert.Equal(t, "Password: ", string(d.Drain()))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, d.Closed())
	assert.Equal(t, 1, d.Interrupts())
	assert.True(t, strings.HasSuffix(d.Input(), "exit\n"))
	assert.ErrorIs(t, d.Write([]byte("x")), ErrClosed)
}
