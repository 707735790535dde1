package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"vcli/internal/config"
	"vcli/internal/process"
	"vcli/internal/realtime"
	"vcli/internal/session"
	"vcli/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: GroupService,
	Short:   "Run the session service in the foreground",
	Long: `Run the session service until interrupted or asked to quit.

Client commands start the service on their own when it is not running, so
this is mostly useful under a process supervisor. Only one service runs per
lock file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger, nil)
}

func defaultsFrom(c config.Config) session.Defaults {
	return session.Defaults{
		Priority:       c.Defaults.Priority,
		Timeout:        c.Defaults.Timeout,
		EOL:            c.Shell.EOL,
		SentinelJoiner: c.Shell.SentinelJoiner(),
	}
}

// serve runs the service until ctx is done or a client asks it to quit.
// A nil ln listens on c.Server.Addr.
func serve(ctx context.Context, c config.Config, log *slog.Logger, ln net.Listener) error {
	lock := flock.New(c.Server.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire service lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("vcli service already running (lock %s held)", c.Server.LockFile)
	}
	defer lock.Unlock()

	if ln == nil {
		ln, err = net.Listen("tcp", c.Server.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", c.Server.Addr, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defaults := defaultsFrom(c)
	sched := session.NewScheduler(session.SchedulerOptions{
		Launcher: process.NewLauncher(process.Options{
			Program: c.Shell.Program,
			Args:    c.Shell.Args,
			Dir:     c.Shell.Dir,
			EOL:     c.Shell.EOL,
			PTY:     c.Shell.PTY,
			Logger:  log,
		}),
		Session: session.Options{
			EOL:            c.Shell.EOL,
			SentinelSuffix: defaults.SentinelSuffix(),
			EchoCommands:   c.Shell.EchoCommands,
		},
		TickInterval: c.Server.TickInterval.Duration,
		Logger:       log,
	})

	rt := realtime.New(sched, realtime.Options{
		Token:    c.Server.Token,
		Defaults: defaults,
		Logger:   log,
		OnQuit:   cancel,
	})

	if c.Path != "" {
		w := watcher.New(c.Path, func(path string) {
			reload(rt, path, log)
		}, watcher.Options{Logger: log})
		if err := w.Start(); err != nil {
			log.Warn("config reload disabled", "err", err)
		} else {
			defer w.Close()
		}
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	httpServer := &http.Server{Handler: rt.Handler()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	log.Info("vcli service running", "addr", ln.Addr().String(), "shell", c.Shell.Program, "pid", os.Getpid())

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		cancel()
	}

	log.Info("shutting down")
	// The scheduler closes every session on the way out, which fails any
	// results call still waiting.
	<-schedDone
	rt.CloseClients()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	httpServer.Shutdown(shutdownCtx)

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// reload applies the changed defaults and log level. Shell settings only
// take effect on restart.
func reload(rt *realtime.Server, path string, log *slog.Logger) {
	next, err := config.Load(path)
	if err != nil {
		log.Warn("config reload failed, keeping previous settings", "err", err)
		return
	}
	rt.SetDefaults(defaultsFrom(next))
	if lvl, err := config.ParseLevel(next.Log.Level); err == nil {
		logLevel.Set(lvl)
	}
	log.Info("config reloaded", "priority", next.Defaults.Priority, "timeout", next.Defaults.Timeout, "level", next.Log.Level)
}
