package session

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	// Sentinel is echoed after a command that was submitted without a wait,
	// so the session can tell when the command has finished.
	Sentinel = "***done***"

	// CommentMarker starts a caption or title update. Such commands are
	// sent to the shell as a comment and kept out of the results.
	CommentMarker = "##"

	// PasswordMask replaces a command typed in answer to a password prompt.
	PasswordMask = "********"

	// MaxTier is the highest (least urgent) priority tier.
	MaxTier = 20
)

// Wait is the completion condition of a command: either a substring to
// find in the shell output or a number of seconds to let pass.
type Wait struct {
	pattern   string
	seconds   int
	isPattern bool
}

// PatternWait waits until s appears in the output.
func PatternWait(s string) Wait {
	return Wait{pattern: s, isPattern: true}
}

// DurationWait waits for n seconds.
func DurationWait(n int) Wait {
	return Wait{seconds: n}
}

func (w Wait) IsPattern() bool { return w.isPattern }

func (w Wait) Pattern() string { return w.pattern }

func (w Wait) Seconds() int { return w.seconds }

func (w Wait) String() string {
	if w.IsPattern() {
		return strconv.Quote(w.pattern)
	}
	return fmt.Sprintf("%ds", w.seconds)
}

// estimate is the wall time budgeted for a command with this wait.
func (w Wait) estimate(timeout int) int {
	if w.IsPattern() {
		return timeout
	}
	return w.seconds
}

// Command is one line of input queued on a session.
type Command struct {
	ID        string
	SessionID string
	Text      string
	Wait      Wait
	Priority  int
	Timeout   int
	Title     string
}

// Request is an add-command call before defaults are applied. Nil
// pointers mean the caller did not supply the field.
type Request struct {
	SessionID string
	Text      string
	Wait      *Wait
	EOL       *string
	Timeout   *int
	Priority  *int
	Title     string
}

// Defaults fills in the fields a Request leaves out.
type Defaults struct {
	Priority int
	Timeout  int
	EOL      string
	// SentinelJoiner chains the sentinel echo onto a command, ";" for
	// POSIX shells.
	SentinelJoiner string
}

var (
	ErrEmptySessionID  = errors.New("session id is required")
	ErrEmptyPattern    = errors.New("wait pattern must not be empty")
	ErrNegativeSeconds = errors.New("wait seconds must not be negative")
)

// SentinelSuffix is the text appended to commands submitted without a wait.
func (d Defaults) SentinelSuffix() string {
	return d.SentinelJoiner + "echo " + Sentinel
}

// awaitsSentinel reports whether c was given the sentinel echo by Build.
func (c Command) awaitsSentinel() bool {
	return c.Wait.IsPattern() && c.Wait.pattern == Sentinel
}

// Build turns req into a Command. A request with neither a wait nor an
// EOL gets the sentinel echo appended and waits for it; a request with
// only an EOL waits one second.
func (d Defaults) Build(req Request) (Command, error) {
	if req.SessionID == "" {
		return Command{}, ErrEmptySessionID
	}

	text := req.Text
	eol := d.EOL
	if req.EOL != nil {
		eol = *req.EOL
	}

	var wait Wait
	switch {
	case req.Wait != nil:
		wait = *req.Wait
		switch {
		case wait.IsPattern() && wait.pattern == "":
			return Command{}, ErrEmptyPattern
		case !wait.IsPattern() && wait.seconds < 0:
			return Command{}, ErrNegativeSeconds
		}
	case req.EOL == nil:
		text += d.SentinelSuffix()
		wait = PatternWait(Sentinel)
	default:
		wait = DurationWait(1)
	}

	cmd := Command{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Text:      text + eol,
		Wait:      wait,
		Priority:  d.Priority,
		Timeout:   d.Timeout,
		Title:     req.Title,
	}
	if req.Priority != nil {
		cmd.Priority = *req.Priority
	}
	if req.Timeout != nil {
		cmd.Timeout = *req.Timeout
	}
	return cmd, nil
}

// ParseWait reads the legacy text form of a wait: digits are seconds,
// anything else is a pattern. An empty string means no wait was given.
func ParseWait(s string) (*Wait, error) {
	if s == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return nil, ErrNegativeSeconds
		}
		w := DurationWait(n)
		return &w, nil
	}
	w := PatternWait(s)
	return &w, nil
}

func clampTier(p int) int {
	return min(max(p, 0), MaxTier)
}
