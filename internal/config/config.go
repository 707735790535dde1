package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"vcli/internal/session"
)

// Duration is a time.Duration that reads Go duration strings ("250ms", "1s") from TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the service and client configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Shell    ShellConfig    `toml:"shell"`
	Defaults DefaultsConfig `toml:"defaults"`
	Log      LogConfig      `toml:"log"`
	Client   ClientConfig   `toml:"client"`

	// Path is the file the config was loaded from, empty when defaults were used.
	Path string `toml:"-"`
}

type ServerConfig struct {
	Addr         string   `toml:"addr"`
	TickInterval Duration `toml:"tick_interval"`
	Token        string   `toml:"token"`
	LockFile     string   `toml:"lock_file"`
}

// ShellConfig describes the native shell spawned for every session.
type ShellConfig struct {
	Program      string   `toml:"program"`
	Args         []string `toml:"args"`
	Dir          string   `toml:"dir"`
	EOL          string   `toml:"eol"`
	PTY          bool     `toml:"pty"`
	EchoCommands bool     `toml:"echo_commands"`
}

// DefaultsConfig supplies command fields a caller left unset.
// These are the values picked up again on config reload.
type DefaultsConfig struct {
	Priority int `toml:"priority"`
	Timeout  int `toml:"timeout"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type ClientConfig struct {
	LaunchAttempts int      `toml:"launch_attempts"`
	LaunchInterval Duration `toml:"launch_interval"`
	CallTimeout    Duration `toml:"call_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	program, eol := "/bin/bash", "\n"
	if runtime.GOOS == "windows" {
		program, eol = "cmd.exe", "\r\n"
	}
	home, _ := os.UserHomeDir()

	return Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:7088",
			TickInterval: Duration{250 * time.Millisecond},
			LockFile:     filepath.Join(os.TempDir(), "vcli-7088.lock"),
		},
		Shell: ShellConfig{
			Program:      program,
			Dir:          home,
			EOL:          eol,
			EchoCommands: true,
		},
		Defaults: DefaultsConfig{
			Priority: 10,
			Timeout:  60,
		},
		Log: LogConfig{
			Level: "info",
		},
		Client: ClientConfig{
			LaunchAttempts: 30,
			LaunchInterval: Duration{time.Second},
		},
	}
}

// DefaultPath returns the config file location used when none is given.
func DefaultPath() string {
	if v := os.Getenv("VCLI_CONFIG"); v != "" {
		return v
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vcli", "config.toml")
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	if path != "" {
		_, err := toml.DecodeFile(path, &cfg)
		switch {
		case err == nil:
			cfg.Path = path
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VCLI_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("VCLI_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("VCLI_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.TickInterval = Duration{d}
		}
	}
	if v := os.Getenv("VCLI_SHELL"); v != "" {
		cfg.Shell.Program = v
	}
	if v := os.Getenv("VCLI_PTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Shell.PTY = b
		}
	}
	if v := os.Getenv("VCLI_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.TickInterval.Duration <= 0 {
		return fmt.Errorf("server.tick_interval must be positive, got %s", c.Server.TickInterval)
	}
	if c.Shell.Program == "" {
		return fmt.Errorf("shell.program is required")
	}
	if c.Defaults.Priority < 0 || c.Defaults.Priority > session.MaxTier {
		return fmt.Errorf("defaults.priority must be within 0..%d, got %d", session.MaxTier, c.Defaults.Priority)
	}
	if c.Defaults.Timeout < 0 {
		return fmt.Errorf("defaults.timeout must not be negative, got %d", c.Defaults.Timeout)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Client.LaunchAttempts < 1 {
		return fmt.Errorf("client.launch_attempts must be at least 1, got %d", c.Client.LaunchAttempts)
	}
	if c.Client.LaunchInterval.Duration <= 0 {
		return fmt.Errorf("client.launch_interval must be positive, got %s", c.Client.LaunchInterval)
	}
	return nil
}

// SentinelJoiner returns the separator used to chain the completion
// sentinel onto a command for the configured shell.
func (s ShellConfig) SentinelJoiner() string {
	if strings.EqualFold(filepath.Base(s.Program), "cmd.exe") || strings.EqualFold(filepath.Base(s.Program), "cmd") {
		return " & "
	}
	return ";"
}
