package logging

import (
	"io"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the structured logger used across the service. Arguments after
// msg are alternating keys and values.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// Config selects level and output format.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

type charmLogger struct {
	*charmlog.Logger
}

func (l *charmLogger) Debug(msg string, keyvals ...any) { l.Logger.Debug(msg, keyvals...) }
func (l *charmLogger) Info(msg string, keyvals ...any)  { l.Logger.Info(msg, keyvals...) }
func (l *charmLogger) Warn(msg string, keyvals ...any)  { l.Logger.Warn(msg, keyvals...) }
func (l *charmLogger) Error(msg string, keyvals ...any) { l.Logger.Error(msg, keyvals...) }

// NewLogger creates an info level text logger writing to stdout.
func NewLogger() Logger {
	return New(Config{Level: "info"})
}

// New creates a logger from cfg.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	l := charmlog.NewWithOptions(out, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           parseLevel(cfg.Level),
	})
	if cfg.JSON {
		l.SetFormatter(charmlog.JSONFormatter)
	}
	return &charmLogger{Logger: l}
}

// With returns a logger that adds keyvals to every entry. Loggers not
// created by this package are returned unchanged; a nil logger becomes a
// nop logger.
func With(logger Logger, keyvals ...any) Logger {
	if logger == nil {
		return NewNop()
	}
	if cl, ok := logger.(*charmLogger); ok {
		return &charmLogger{Logger: cl.Logger.With(keyvals...)}
	}
	return logger
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return nopLogger{}
}
