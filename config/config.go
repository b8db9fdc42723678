// Package config loads the runtime's environment-driven settings:
// where diagnostics go and how verbose they are. Log configuration is
// deliberately outside the RPC contract; it only selects the channel
// that receives dispatcher errors and plugin construction failures.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joeshaw/envdecode"

	"github.com/editkit/rplugin-go/internal/logctx"
)

// Config is populated from the environment via envdecode tags.
// TCPAddr and Socket select how a plugin binary reaches the editor;
// when both are empty the binary assumes it was spawned by the editor
// and uses stdio.
type Config struct {
	LogLevel string `env:"RPLUG_LOG_LEVEL,default=info"`
	LogFile  string `env:"RPLUG_LOG_FILE"`
	TCPAddr  string `env:"RPLUG_TCP"`
	Socket   string `env:"RPLUG_SOCKET"`
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the runtime logger described by cfg: a text handler
// wrapped in logctx so records pick up RPC and plugin context. The
// destination defaults to stderr; stdout is never used because it may
// be the RPC transport.
func NewLogger(cfg Config) (*slog.Logger, error) {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("config: open log file: %w", err)
		}
		w = f
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("config: invalid log level %q", cfg.LogLevel)
	}

	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(logctx.Handler{Handler: base}), nil
}
