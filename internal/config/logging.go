package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", s)
}

// NewLogger builds the process logger: text for development, JSON in production.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetupLogging installs the configured logger as the slog default.
func (c *Config) SetupLogging() {
	slog.SetDefault(c.NewLogger(os.Stderr))
}
