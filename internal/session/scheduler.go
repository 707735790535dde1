package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"vcli/internal/process"

	"github.com/google/uuid"
)

const (
	defaultTickInterval = 250 * time.Millisecond
	opQueueSize         = 64
)

// ResultFunc receives the final output of a session, or the error that
// prevented it.
type ResultFunc func(text string, err error)

// Service is the set of operations exposed to remote callers.
type Service interface {
	AddCommand(ctx context.Context, cmd Command) error
	GetResults(ctx context.Context, id string, cb ResultFunc) error
	Close(ctx context.Context, id string) error
	CloseAll(ctx context.Context) error
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Launcher     process.Launcher
	Session      Options
	TickInterval time.Duration
	Logger       *slog.Logger
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// Subscription is a live feed of one session's events.
type Subscription struct {
	ID      string
	History []Event
	Events  <-chan Event
}

// Scheduler owns every session and ticks them by priority tier. All state
// is confined to the goroutine running Run; other goroutines reach it by
// posting operations.
type Scheduler struct {
	launcher process.Launcher
	opts     Options
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	ops     chan func()
	stopped chan struct{}
	running atomic.Bool

	sessions  map[string]*Session
	order     []string
	callbacks map[string]ResultFunc

	idPrefix string
	seq      atomic.Uint64
}

var _ Service = (*Scheduler)(nil)

// NewScheduler creates a scheduler. Call Run to start it.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	return &Scheduler{
		launcher:  opts.Launcher,
		opts:      opts.Session,
		interval:  opts.TickInterval,
		log:       opts.Logger,
		now:       opts.Now,
		ops:       make(chan func(), opQueueSize),
		stopped:   make(chan struct{}),
		sessions:  make(map[string]*Session),
		callbacks: make(map[string]ResultFunc),
		idPrefix:  uuid.NewString()[:8],
	}
}

// Run ticks sessions and serves posted operations until ctx is done.
// Every session is closed on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "tick", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case op := <-s.ops:
			op()
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// do runs fn on the scheduler goroutine and waits for it to finish.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case s.ops <- op:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		// The loop may have run op just before exiting.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Step runs one tick immediately.
func (s *Scheduler) Step(ctx context.Context) error {
	return s.do(ctx, func() { s.tick(s.now()) })
}

// tick processes every session in the most urgent occupied tier. Higher
// tiers get nothing until it empties.
func (s *Scheduler) tick(now time.Time) {
	tier := -1
	for _, id := range s.order {
		p := s.sessions[id].Priority()
		if tier < 0 || p < tier {
			tier = p
		}
	}
	if tier < 0 {
		return
	}

	for _, id := range slices.Clone(s.order) {
		sess := s.sessions[id]
		if sess.Priority() != tier {
			continue
		}
		text, done := sess.Tick(now)
		if !done {
			continue
		}
		s.log.Info("session done", "session", id)
		if cb, ok := s.callbacks[id]; ok {
			delete(s.callbacks, id)
			deliver(cb, text, nil)
		}
	}
}

// NewSessionID returns an id no session has used before.
func (s *Scheduler) NewSessionID() string {
	return s.idPrefix + "-" + strconv.FormatUint(s.seq.Add(1), 10)
}

// AddCommand queues cmd, creating and starting its session when needed.
// A shell that cannot be launched leaves no session behind.
func (s *Scheduler) AddCommand(ctx context.Context, cmd Command) error {
	if cmd.SessionID == "" {
		return ErrEmptySessionID
	}

	var h process.Handle
	for {
		var queued bool
		if err := s.do(ctx, func() { queued = s.enqueue(cmd, h) }); err != nil {
			if h != nil {
				h.Close()
			}
			return err
		}
		if queued {
			return nil
		}

		// Launch off the loop; the process may take a moment to start.
		var err error
		if h, err = s.launcher.Launch(); err != nil {
			s.log.Error("launch shell", "session", cmd.SessionID, "err", err)
			return fmt.Errorf("%w for session %s: %w", ErrLaunch, cmd.SessionID, err)
		}
	}
}

// enqueue reports false when the session does not exist and h is nil.
func (s *Scheduler) enqueue(cmd Command, h process.Handle) bool {
	now := s.now()
	sess, ok := s.sessions[cmd.SessionID]
	switch {
	case ok && h != nil:
		// Another call created the session while h was launching.
		h.Close()
	case !ok && h == nil:
		return false
	case !ok:
		sess = New(cmd.SessionID, h, s.opts, now)
		s.sessions[cmd.SessionID] = sess
		s.order = append(s.order, cmd.SessionID)
		s.log.Info("session created", "session", cmd.SessionID, "pid", h.Pid())
	}

	restart := sess.State() == StateInitialized || sess.State() == StateDone
	sess.Enqueue(cmd, now)
	if restart {
		sess.Start(now)
	}
	return true
}

// GetResults registers cb for the session's final output, replacing any
// earlier callback. A session that has already finished answers at once.
func (s *Scheduler) GetResults(ctx context.Context, id string, cb ResultFunc) error {
	var err error
	if doErr := s.do(ctx, func() {
		sess, ok := s.sessions[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			return
		}
		if sess.Idle() {
			delete(s.callbacks, id)
			deliver(cb, sess.Results(), nil)
			return
		}
		s.callbacks[id] = cb
	}); doErr != nil {
		return doErr
	}
	return err
}

// Close releases a session. Unknown ids are ignored.
func (s *Scheduler) Close(ctx context.Context, id string) error {
	return s.do(ctx, func() { s.closeSession(id) })
}

// CloseAll releases every session.
func (s *Scheduler) CloseAll(ctx context.Context) error {
	return s.do(ctx, s.closeAll)
}

func (s *Scheduler) closeAll() {
	for _, id := range slices.Clone(s.order) {
		s.closeSession(id)
	}
}

func (s *Scheduler) closeSession(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if err := sess.Close(s.now()); err != nil {
		s.log.Warn("close shell", "session", id, "err", err)
	}
	delete(s.sessions, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	if cb, ok := s.callbacks[id]; ok {
		delete(s.callbacks, id)
		deliver(cb, "", fmt.Errorf("%w: %s", ErrSessionClosed, id))
	}
	s.log.Info("session closed", "session", id)
}

// IDs lists sessions in creation order.
func (s *Scheduler) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.do(ctx, func() { ids = slices.Clone(s.order) })
	return ids, err
}

// Status returns a snapshot of one session.
func (s *Scheduler) Status(ctx context.Context, id string) (Status, error) {
	var st Status
	var err error
	if doErr := s.withSession(ctx, id, &err, func(sess *Session) {
		st = sess.Status()
	}); doErr != nil {
		return Status{}, doErr
	}
	return st, err
}

// List returns a snapshot of every session in creation order.
func (s *Scheduler) List(ctx context.Context) ([]Status, error) {
	var list []Status
	err := s.do(ctx, func() {
		list = make([]Status, 0, len(s.order))
		for _, id := range s.order {
			list = append(list, s.sessions[id].Status())
		}
	})
	return list, err
}

// IsDone reports whether the session has drained its queue.
func (s *Scheduler) IsDone(ctx context.Context, id string) (bool, error) {
	var done bool
	var err error
	if doErr := s.withSession(ctx, id, &err, func(sess *Session) {
		done = sess.Idle()
	}); doErr != nil {
		return false, doErr
	}
	return done, err
}

// Pause stops ticking the session until Resume.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	var err error
	if doErr := s.withSession(ctx, id, &err, func(sess *Session) {
		sess.Pause()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Resume restarts a paused session.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	var err error
	if doErr := s.withSession(ctx, id, &err, func(sess *Session) {
		sess.Start(s.now())
	}); doErr != nil {
		return doErr
	}
	return err
}

// Subscribe attaches to the session's event feed.
func (s *Scheduler) Subscribe(ctx context.Context, id string) (Subscription, error) {
	var sub Subscription
	var err error
	if doErr := s.withSession(ctx, id, &err, func(sess *Session) {
		sub.ID, sub.History, sub.Events = sess.Subscribe()
	}); doErr != nil {
		return Subscription{}, doErr
	}
	return sub, err
}

// Unsubscribe detaches a subscriber. Closed sessions are ignored.
func (s *Scheduler) Unsubscribe(ctx context.Context, id, subID string) error {
	return s.do(ctx, func() {
		if sess, ok := s.sessions[id]; ok {
			sess.Unsubscribe(subID)
		}
	})
}

// withSession runs fn on the loop with the named session, setting *err
// when it does not exist.
func (s *Scheduler) withSession(ctx context.Context, id string, err *error, fn func(*Session)) error {
	return s.do(ctx, func() {
		sess, ok := s.sessions[id]
		if !ok {
			*err = fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			return
		}
		fn(sess)
	})
}

// deliver runs cb off the loop so a slow or re-entrant callback cannot
// stall it.
func deliver(cb ResultFunc, text string, err error) {
	if cb == nil {
		return
	}
	go cb(text, err)
}
