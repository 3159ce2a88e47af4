// Package logger builds the zerolog loggers used across customs-kb.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console output instead of JSON
	Output io.Writer
}

// New creates a structured logger writing to cfg.Output (stderr when nil).
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "customs-kb").
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup builds the process logger for one CLI subcommand. When dir is set,
// log lines go both to stderr and to a per-invocation file in dir. The
// returned close function releases the file. Setup also installs the logger
// as the zerolog global.
func Setup(cfg Config, dir, subcommand string) (zerolog.Logger, func() error, error) {
	noop := func() error { return nil }
	if dir == "" {
		l := New(cfg)
		log.Logger = l
		return l, noop, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return zerolog.Nop(), noop, fmt.Errorf("failed to create log directory: %w", err)
	}
	timestamp := time.Now().Format("20060102-150405")
	logPath := filepath.Join(dir, fmt.Sprintf("customs-kb-%s-%s.log", subcommand, timestamp))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Nop(), noop, fmt.Errorf("failed to open log file: %w", err)
	}

	stderr := cfg.Output
	if stderr == nil {
		stderr = os.Stderr
	}
	if cfg.Pretty {
		stderr = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}
	l := zerolog.New(zerolog.MultiLevelWriter(stderr, logFile)).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "customs-kb").
		Str("command", subcommand).
		Logger()
	log.Logger = l
	l.Debug().Str("path", logPath).Msg("log file opened")
	return l, logFile.Close, nil
}

// Component returns a child logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
