package session

import (
	"log/slog"
	"strings"
	"time"

	"vcli/internal/process"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StatePending     State = "pending"
	StateDone        State = "done"
)

const (
	defaultHistorySize      = 1000
	defaultSubscriberBufCap = 100
)

// Options configures every session created by a scheduler.
type Options struct {
	// EOL terminates the mask line written in place of a password.
	EOL string
	// SentinelSuffix is stripped from the results on completion.
	SentinelSuffix string
	// EchoCommands appends each command's text to the results, except
	// for commands that wait on the sentinel.
	EchoCommands bool
	HistorySize  int
	Logger       *slog.Logger
}

// Status is a point-in-time view of a session.
type Status struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Priority  int       `json:"priority"`
	Progress  float64   `json:"progress"`
	Title     string    `json:"title"`
	Caption   string    `json:"caption"`
	Queued    int       `json:"queued"`
	Paused    bool      `json:"paused"`
	Pid       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is one shell process with its command queue and wait state.
// It is driven by Tick and is not safe for concurrent use.
type Session struct {
	id   string
	proc process.Handle
	opts Options
	log  *slog.Logger

	state    State
	queue    []Command
	priority int
	paused   bool
	closed   bool

	// In-flight wait. waitLeft counts seconds for a duration wait.
	waiting  bool
	wait     Wait
	waitLeft int
	timeUp   int
	anchor   time.Time

	estimateTotal int
	results       strings.Builder
	// window holds output drained since the last dispatch.
	window strings.Builder

	title     string
	caption   string
	createdAt time.Time

	history     *RingBuffer[Event]
	subscribers map[string]chan Event
}

// New wraps proc in a session in the INITIALIZED state.
func New(id string, proc process.Handle, opts Options, now time.Time) *Session {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.EOL == "" {
		opts.EOL = "\n"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:          id,
		proc:        proc,
		opts:        opts,
		log:         logger.With("session", id),
		state:       StateInitialized,
		createdAt:   now,
		history:     NewRingBuffer[Event](opts.HistorySize),
		subscribers: make(map[string]chan Event),
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) State() State { return s.state }
func (s *Session) Priority() int { return s.priority }
func (s *Session) Paused() bool { return s.paused }
func (s *Session) Closed() bool { return s.closed }
func (s *Session) Title() string { return s.title }
func (s *Session) Caption() string { return s.caption }
func (s *Session) QueueLen() int { return len(s.queue) }
func (s *Session) Results() string { return s.results.String() }
func (s *Session) EstimateTotal() int { return s.estimateTotal }

// Idle reports whether the session has finished everything queued on it.
func (s *Session) Idle() bool {
	return s.state == StateDone && len(s.queue) == 0
}

// Enqueue appends cmd to the queue. The session takes the command's
// priority, and its title when one is given.
func (s *Session) Enqueue(cmd Command, now time.Time) {
	s.priority = clampTier(cmd.Priority)
	s.queue = append(s.queue, cmd)
	if cmd.Title != "" && cmd.Title != s.title {
		s.title = cmd.Title
		s.emit(EventTitle, cmd.Title, now)
	}
	s.log.Debug("command queued", "command", cmd.ID, "wait", cmd.Wait.String(), "priority", s.priority)
}

// Start begins (or resumes after DONE) processing the queue and clears
// any pause.
func (s *Session) Start(now time.Time) {
	if s.state == StateInitialized || s.state == StateDone {
		s.estimateTotal = s.remaining()
		s.setState(StateRunning, now)
	}
	s.paused = false
}

// Pause makes later ticks no-ops until Start is called.
func (s *Session) Pause() {
	s.paused = true
}

// Progress is the fraction of the estimated time already spent.
func (s *Session) Progress() float64 {
	if s.estimateTotal <= 0 {
		return 0
	}
	p := float64(s.estimateTotal-s.remaining()) / float64(s.estimateTotal)
	return min(max(p, 0), 1)
}

// remaining is the estimated wall time, in seconds, still ahead.
func (s *Session) remaining() int {
	total := 0
	for _, c := range s.queue {
		total += c.Wait.estimate(c.Timeout)
	}
	if s.state == StatePending && s.waiting {
		left := s.timeUp
		if !s.wait.IsPattern() {
			left = min(left, s.waitLeft)
		}
		total += max(left, 0)
	}
	return total
}

// Tick performs one processing step. When the queue has just drained it
// returns the final results and true.
func (s *Session) Tick(now time.Time) (string, bool) {
	if s.paused || s.closed {
		return "", false
	}
	if s.state == StateDone {
		return "", false
	}

	if s.state == StateRunning {
		if len(s.queue) == 0 {
			return s.finish(now), true
		}
		s.dispatch(now)
	}

	if out := s.proc.Drain(); len(out) > 0 {
		s.results.Write(out)
		s.window.Write(out)
		s.emit(EventOutput, string(out), now)
	}

	if s.state == StatePending && s.waiting {
		s.evaluate(now)
	}
	return "", false
}

// dispatch sends the head of the queue to the shell.
func (s *Session) dispatch(now time.Time) {
	cmd := s.queue[0]
	s.queue = s.queue[1:]

	masked := promptsPassword(s.window.String())
	if err := s.proc.Write([]byte(cmd.Text)); err != nil {
		s.log.Warn("write command", "command", cmd.ID, "err", err)
	}

	if body, ok := strings.CutPrefix(cmd.Text, CommentMarker); ok {
		s.annotate(strings.TrimRight(body, "\r\n"), now)
	} else {
		switch {
		case masked:
			s.results.WriteString(PasswordMask + s.opts.EOL)
		case s.opts.EchoCommands && !cmd.awaitsSentinel():
			// Commands chained to the sentinel only leave their output.
			s.results.WriteString(cmd.Text)
		}
		s.emit(EventCommand, cmd.ID, now)
	}

	s.waiting = true
	s.wait = cmd.Wait
	s.waitLeft = cmd.Wait.Seconds()
	s.timeUp = cmd.Timeout
	s.anchor = now
	s.window.Reset()
	s.setState(StatePending, now)
}

// annotate applies a comment-marker command: "title x" sets the title,
// anything else sets the caption.
func (s *Session) annotate(body string, now time.Time) {
	body = strings.TrimSpace(body)
	keyword, rest, _ := strings.Cut(body, " ")
	switch keyword {
	case "title":
		s.title = strings.TrimSpace(rest)
		s.emit(EventTitle, s.title, now)
		return
	case "caption":
		body = strings.TrimSpace(rest)
	}
	s.caption = body
	s.emit(EventCaption, body, now)
}

// evaluate checks the in-flight wait and the timeout watchdog. Both count
// whole wall-clock seconds since the anchor.
func (s *Session) evaluate(now time.Time) {
	elapsed := max(int(now.Sub(s.anchor)/time.Second), 0)
	s.anchor = s.anchor.Add(time.Duration(elapsed) * time.Second)

	resolved := false
	if s.wait.IsPattern() {
		resolved = strings.Contains(s.window.String(), s.wait.Pattern())
	} else {
		s.waitLeft -= elapsed
		resolved = s.waitLeft <= 0
	}

	s.timeUp -= elapsed
	if s.timeUp <= 0 && !resolved {
		s.log.Debug("wait timed out", "wait", s.wait.String())
		resolved = true
	}

	if resolved {
		s.waiting = false
		s.setState(StateRunning, now)
	}
}

// finish moves the session to DONE and returns the cleaned results.
func (s *Session) finish(now time.Time) string {
	s.setState(StateDone, now)
	text := s.results.String()
	if s.opts.SentinelSuffix != "" {
		text = strings.ReplaceAll(text, s.opts.SentinelSuffix, "")
	}
	text = strings.ReplaceAll(text, Sentinel+s.opts.EOL, "")
	text = strings.ReplaceAll(text, Sentinel+"\n", "")
	s.results.Reset()
	s.results.WriteString(text)
	return text
}

// Close interrupts and releases the shell. It is safe to call twice.
func (s *Session) Close(now time.Time) error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.proc.Close()
	s.emit(EventClosed, "", now)
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return err
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	return Status{
		ID:        s.id,
		State:     s.state,
		Priority:  s.priority,
		Progress:  s.Progress(),
		Title:     s.title,
		Caption:   s.caption,
		Queued:    len(s.queue),
		Paused:    s.paused,
		Pid:       s.proc.Pid(),
		CreatedAt: s.createdAt,
	}
}

// Subscribe returns buffered history and a channel of live events. The
// channel is closed when the session closes.
func (s *Session) Subscribe() (string, []Event, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, defaultSubscriberBufCap)
	if s.closed {
		close(ch)
	} else {
		s.subscribers[id] = ch
	}
	return id, s.history.ReadAll(), ch
}

func (s *Session) Unsubscribe(id string) {
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *Session) setState(state State, now time.Time) {
	if s.state == state {
		return
	}
	s.log.Debug("state change", "from", s.state, "to", state)
	s.state = state
	s.emit(EventState, string(state), now)
}

func (s *Session) emit(typ EventType, data string, now time.Time) {
	event := Event{
		SessionID: s.id,
		Type:      typ,
		Data:      data,
		Timestamp: now.UTC(),
	}
	s.history.Write(event)
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; it can catch up from history.
		}
	}
}

// promptsPassword reports whether the last non-empty line of output
// begins with "password", ignoring case.
func promptsPassword(output string) bool {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return strings.HasPrefix(strings.ToLower(line), "password")
	}
	return false
}
