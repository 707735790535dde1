// Package cmd provides the vcli command line: the service itself and the
// client commands that drive it.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"vcli/internal/client"
	"vcli/internal/config"
)

// Version is set at build time.
var Version = "dev"

// Command group IDs.
const (
	GroupService = "service"
	GroupSession = "session"
)

var (
	cfgFile  string
	addrFlag string

	cfg       config.Config
	logLevel  = new(slog.LevelVar)
	logger    *slog.Logger
	logCloser io.Closer

	// launchService overrides how client commands start a missing service.
	launchService func() error
)

var rootCmd = &cobra.Command{
	Use:     "vcli",
	Short:   "Virtual command-line sessions",
	Version: Version,
	Long: `vcli runs shell sessions in a background service and lets scripts
queue commands against them.

Commands wait for a text pattern, a fixed delay or for the command itself to
finish. The first client command starts the service when it is not running.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupService, Title: "Service:"},
		&cobra.Group{ID: GroupSession, Title: "Sessions:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/vcli/config.toml)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "service address, overrides server.addr")
}

// Execute runs the root command and returns an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}

	logger, logCloser, err = config.NewLogger(cfg.Log, logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if logCloser != nil {
		err := logCloser.Close()
		logCloser = nil
		return err
	}
	return nil
}

func newClient() *client.Client {
	return client.New(client.Options{
		Addr:           cfg.Server.Addr,
		Token:          cfg.Server.Token,
		LaunchAttempts: cfg.Client.LaunchAttempts,
		LaunchInterval: cfg.Client.LaunchInterval.Duration,
		CallTimeout:    cfg.Client.CallTimeout.Duration,
		ConfigPath:     cfg.Path,
		Launch:         launchService,
		Logger:         logger,
	})
}

// unescape turns "\r\n" typed on a command line into the real characters.
func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	out, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return "", fmt.Errorf("invalid escape sequence in %q", s)
	}
	return out, nil
}
