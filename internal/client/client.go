// Package client talks to a running vcli service. It starts the service on
// first use when nothing is listening, and opens one WebSocket connection
// per call so a blocked results call never holds up another.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vcli/internal/protocol"
	"vcli/internal/session"
)

const probeTimeout = 500 * time.Millisecond

// ErrServiceUnreachable is returned when the service could not be reached,
// even after trying to launch it.
var ErrServiceUnreachable = errors.New("vcli service unreachable")

// Options configures a Client.
type Options struct {
	Addr  string
	Token string

	// LaunchAttempts and LaunchInterval bound the wait for a freshly
	// launched service to accept connections.
	LaunchAttempts int
	LaunchInterval time.Duration

	// CallTimeout limits calls other than Results. Zero means no limit.
	CallTimeout time.Duration

	// LockFile serializes launches across processes. Defaults to a file
	// in the temp directory derived from Addr.
	LockFile string

	// Launch starts the service. Defaults to running this executable
	// with "serve", detached from the caller.
	Launch func() error
	// ConfigPath is passed to the default launcher as --config.
	ConfigPath string

	Logger *slog.Logger
}

// Client issues calls against the service at Addr.
type Client struct {
	addr     string
	token    string
	attempts int
	interval time.Duration
	timeout  time.Duration
	lockFile string
	launch   func() error
	log      *slog.Logger
	dialer   *websocket.Dialer
}

// New creates a client. No connection is made until the first call.
func New(opts Options) *Client {
	if opts.LaunchAttempts < 1 {
		opts.LaunchAttempts = 30
	}
	if opts.LaunchInterval <= 0 {
		opts.LaunchInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockFile == "" {
		name := "vcli-launch-" + strings.NewReplacer(":", "_", "/", "_").Replace(opts.Addr) + ".lock"
		opts.LockFile = filepath.Join(os.TempDir(), name)
	}
	c := &Client{
		addr:     opts.Addr,
		token:    opts.Token,
		attempts: opts.LaunchAttempts,
		interval: opts.LaunchInterval,
		timeout:  opts.CallTimeout,
		lockFile: opts.LockFile,
		launch:   opts.Launch,
		log:      opts.Logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	if c.launch == nil {
		c.launch = func() error { return launchDetached(opts.ConfigPath) }
	}
	return c
}

// Addr returns the service address.
func (c *Client) Addr() string { return c.addr }

func (c *Client) probe(ctx context.Context) bool {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Ensure makes sure the service accepts connections, launching it when
// nothing answers on Addr. Only one process launches at a time; the others
// wait for it to come up.
func (c *Client) Ensure(ctx context.Context) error {
	if c.probe(ctx) {
		return nil
	}

	lock := flock.New(c.lockFile)
	locked, err := lock.TryLock()
	if err != nil {
		c.log.Warn("launch lock", "path", c.lockFile, "err", err)
	}
	if locked {
		defer lock.Unlock()
		if !c.probe(ctx) {
			c.log.Info("starting service", "addr", c.addr)
			if err := c.launch(); err != nil {
				return fmt.Errorf("%w: launch: %w", ErrServiceUnreachable, err)
			}
		}
	}

	for i := 0; i < c.attempts; i++ {
		if c.probe(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.interval):
		}
	}
	return fmt.Errorf("%w at %s after %d attempts", ErrServiceUnreachable, c.addr, c.attempts)
}

func launchDetached(configPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func (c *Client) url(scheme, path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if c.token != "" {
		q.Set("s", c.token)
	}
	u := url.URL{Scheme: scheme, Host: c.addr, Path: path, RawQuery: q.Encode()}
	return u.String()
}

// call sends one request on a fresh connection and returns the reply with
// the same id. Session events sharing that id are passed to onEvent; a nil
// onEvent means the first non-event reply ends the call.
func (c *Client) call(ctx context.Context, msgType string, payload interface{}, onEvent func(session.Event) bool) (*protocol.Message, error) {
	if err := c.Ensure(ctx); err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url("ws", "/ws", nil), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceUnreachable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	id := uuid.NewString()
	req, err := protocol.NewMessage(id, msgType, payload)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read %s reply: %w", msgType, err)
		}
		if msg.ID != id {
			continue
		}
		switch msg.Type {
		case protocol.TypeError:
			var p protocol.ErrorPayload
			msg.Decode(&p)
			return nil, &protocol.RemoteError{Code: p.Code, Message: p.Message}
		case protocol.TypeSessionEvent:
			if onEvent == nil {
				continue
			}
			var ev session.Event
			if err := msg.Decode(&ev); err != nil {
				return nil, err
			}
			if !onEvent(ev) {
				return &msg, nil
			}
		default:
			if onEvent == nil {
				return &msg, nil
			}
		}
	}
}

// bounded applies CallTimeout to ctx.
func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// AddCommand queues a command and returns its id.
func (c *Client) AddCommand(ctx context.Context, p protocol.CommandAddPayload) (string, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	msg, err := c.call(ctx, protocol.TypeCommandAdd, p, nil)
	if err != nil {
		return "", err
	}
	var ack protocol.AckPayload
	if err := msg.Decode(&ack); err != nil {
		return "", err
	}
	return ack.CommandID, nil
}

// Results blocks until the session's queue drains and returns everything
// the session produced. Only ctx bounds the wait.
func (c *Client) Results(ctx context.Context, sessionID string) (string, error) {
	msg, err := c.call(ctx, protocol.TypeResultsGet, protocol.SessionIDPayload{SessionID: sessionID}, nil)
	if err != nil {
		return "", err
	}
	var p protocol.ResultsPayload
	if err := msg.Decode(&p); err != nil {
		return "", err
	}
	return p.Text, nil
}

func (c *Client) ack(ctx context.Context, msgType string, payload interface{}) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	_, err := c.call(ctx, msgType, payload, nil)
	return err
}

// Close terminates a session. Unknown ids are not an error.
func (c *Client) Close(ctx context.Context, sessionID string) error {
	return c.ack(ctx, protocol.TypeSessionClose, protocol.SessionIDPayload{SessionID: sessionID})
}

// CloseAll terminates every session.
func (c *Client) CloseAll(ctx context.Context) error {
	return c.ack(ctx, protocol.TypeSessionCloseAll, nil)
}

func (c *Client) Pause(ctx context.Context, sessionID string) error {
	return c.ack(ctx, protocol.TypeSessionPause, protocol.SessionIDPayload{SessionID: sessionID})
}

func (c *Client) Resume(ctx context.Context, sessionID string) error {
	return c.ack(ctx, protocol.TypeSessionResume, protocol.SessionIDPayload{SessionID: sessionID})
}

// Create reserves a new session id. The session starts with its first command.
func (c *Client) Create(ctx context.Context) (string, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	msg, err := c.call(ctx, protocol.TypeSessionCreate, nil, nil)
	if err != nil {
		return "", err
	}
	var p protocol.SessionCreatedPayload
	if err := msg.Decode(&p); err != nil {
		return "", err
	}
	return p.SessionID, nil
}

// IDs lists the live sessions in creation order.
func (c *Client) IDs(ctx context.Context) ([]string, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	msg, err := c.call(ctx, protocol.TypeSessionListIDs, nil, nil)
	if err != nil {
		return nil, err
	}
	var p protocol.SessionIDsPayload
	if err := msg.Decode(&p); err != nil {
		return nil, err
	}
	return p.IDs, nil
}

func (c *Client) Status(ctx context.Context, sessionID string) (session.Status, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var st session.Status
	msg, err := c.call(ctx, protocol.TypeSessionGetStatus, protocol.SessionIDPayload{SessionID: sessionID}, nil)
	if err != nil {
		return st, err
	}
	err = msg.Decode(&st)
	return st, err
}

// Watch streams a session's events, starting with its recent history,
// until fn returns false, the session closes or ctx is done.
func (c *Client) Watch(ctx context.Context, sessionID string, fn func(session.Event) bool) error {
	_, err := c.call(ctx, protocol.TypeSessionSubscribe, protocol.SessionIDPayload{SessionID: sessionID}, func(ev session.Event) bool {
		if !fn(ev) {
			return false
		}
		return ev.Type != session.EventClosed
	})
	return err
}

// Quit closes every session and stops the service. It does nothing when
// the service is not running.
func (c *Client) Quit(ctx context.Context) error {
	if !c.probe(ctx) {
		return nil
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("http", "/vcli", url.Values{"action": {"quit"}}), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("quit: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}
