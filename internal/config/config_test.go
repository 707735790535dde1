package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcli/internal/session"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.TickInterval.Duration)
	assert.Equal(t, 10, cfg.Defaults.Priority)
	assert.Equal(t, 60, cfg.Defaults.Timeout)
	assert.Empty(t, cfg.Path)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
addr = "127.0.0.1:9000"
tick_interval = "10ms"
token = "secret"

[shell]
program = "/bin/sh"
echo_commands = false

[defaults]
priority = 3
timeout = 5

[log]
level = "debug"

[client]
launch_attempts = 4
launch_interval = "50ms"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 10*time.Millisecond, cfg.Server.TickInterval.Duration)
	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, "/bin/sh", cfg.Shell.Program)
	assert.False(t, cfg.Shell.EchoCommands)
	assert.Equal(t, 3, cfg.Defaults.Priority)
	assert.Equal(t, 5, cfg.Defaults.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Client.LaunchAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Client.LaunchInterval.Duration)
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\ntick_interval = \"soon\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VCLI_ADDR", "127.0.0.1:7099")
	t.Setenv("VCLI_TOKEN", "tok")
	t.Setenv("VCLI_TICK", "5ms")
	t.Setenv("VCLI_SHELL", "/bin/sh")
	t.Setenv("VCLI_PTY", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7099", cfg.Server.Addr)
	assert.Equal(t, "tok", cfg.Server.Token)
	assert.Equal(t, 5*time.Millisecond, cfg.Server.TickInterval.Duration)
	assert.Equal(t, "/bin/sh", cfg.Shell.Program)
	assert.True(t, cfg.Shell.PTY)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero tick", func(c *Config) { c.Server.TickInterval = Duration{} }},
		{"empty shell", func(c *Config) { c.Shell.Program = "" }},
		{"priority too high", func(c *Config) { c.Defaults.Priority = session.MaxTier + 1 }},
		{"negative timeout", func(c *Config) { c.Defaults.Timeout = -1 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"no attempts", func(c *Config) { c.Client.LaunchAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestSentinelJoiner(t *testing.T) {
	assert.Equal(t, ";", ShellConfig{Program: "/bin/bash"}.SentinelJoiner())
	assert.Equal(t, " & ", ShellConfig{Program: "cmd.exe"}.SentinelJoiner())
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vcli.log")
	var level slog.LevelVar

	logger, closer, err := NewLogger(LogConfig{Level: "warn", File: path}, &level)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info("hidden")
	logger.Warn("shown", "session", "s1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "session=s1")
	assert.Equal(t, slog.LevelWarn, level.Level())
}
