// Package logger provides the structured, leveled logger used across
// youtube-uploader. It is a thin layer over log/slog. The same Logger value
// is handed to the youtube SDK, to the session manager, and (because its
// method set matches retryablehttp.LeveledLogger) to the retrying HTTP
// client that talks to the token endpoint.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger defines the interface for structured logging with multiple levels.
// The plain variants take slog-style key/value pairs, the f variants take a
// printf format.
type Logger interface {
	Debug(msg string, args ...any)
	Debugf(format string, args ...any)

	Info(msg string, args ...any)
	Infof(format string, args ...any)

	Warn(msg string, args ...any)
	Warnf(format string, args ...any)

	Error(msg string, args ...any)
	Errorf(format string, args ...any)
}

// NoopLogger discards everything. Tests use it when log output is noise.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...any)  {}
func (NoopLogger) Debugf(string, ...any) {}
func (NoopLogger) Info(string, ...any)   {}
func (NoopLogger) Infof(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)   {}
func (NoopLogger) Warnf(string, ...any)  {}
func (NoopLogger) Error(string, ...any)  {}
func (NoopLogger) Errorf(string, ...any) {}

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configures New.
type Options struct {
	Level  slog.Level
	Format Format
	// Output defaults to os.Stderr so log lines never mix with command
	// output on stdout.
	Output io.Writer
}

// SlogLogger implements Logger on top of *slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// New creates a SlogLogger from opts.
func New(opts Options) *SlogLogger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return &SlogLogger{logger: slog.New(handler)}
}

// ParseFormat maps a config value onto a Format. Unknown values are an
// error; the empty string means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FormatText):
		return FormatText, nil
	case string(FormatJSON):
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want text or json)", s)
	}
}

// With returns a logger that adds args to every record, e.g. the identity
// or file an upload belongs to.
func (l *SlogLogger) With(args ...any) *SlogLogger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

func (l *SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *SlogLogger) Debugf(format string, args ...any) {
	l.logger.Debug(sprintf(format, args...))
}

func (l *SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *SlogLogger) Infof(format string, args ...any) {
	l.logger.Info(sprintf(format, args...))
}

func (l *SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *SlogLogger) Warnf(format string, args ...any) {
	l.logger.Warn(sprintf(format, args...))
}

func (l *SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *SlogLogger) Errorf(format string, args ...any) {
	l.logger.Error(sprintf(format, args...))
}

// sprintf leaves format untouched when there is nothing to substitute, so a
// literal % in a message survives.
func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
