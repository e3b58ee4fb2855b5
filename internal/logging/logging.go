// Package logging builds the structured logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sirosfoundation/go-conduit/internal/config"
)

// New builds a slog.Logger for c. The returned closer releases a file
// output and must be called on shutdown.
func New(c config.LogConfig) (*slog.Logger, io.Closer, error) {
	w, closer, err := output(c)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(c.Level),
		AddSource: strings.EqualFold(c.Level, "debug"),
	}

	var handler slog.Handler
	if strings.EqualFold(c.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func output(c config.LogConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(c.Output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}

	if dir := filepath.Dir(c.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
	}

	if c.Rotation.Enable {
		lj := &lumberjack.Logger{
			Filename:   c.Output,
			MaxSize:    max(c.Rotation.MaxSizeMB, 1),
			MaxBackups: max(c.Rotation.MaxBackups, 1),
			MaxAge:     max(c.Rotation.MaxAgeDays, 1),
			Compress:   c.Rotation.Compress,
		}
		return lj, lj, nil
	}

	f, err := os.OpenFile(c.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, f, nil
}
