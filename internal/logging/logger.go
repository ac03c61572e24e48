// Package logging is the structured logger used across kiln: log/slog
// records, rendered by charmbracelet/log for terminals or by the slog text
// and JSON handlers for machines.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// Logger is what pipeline and server code log through. Warnings and errors
// take the error separately so it always lands under the "error" key.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...interface{})
	Info(ctx context.Context, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
	Error(ctx context.Context, err error, msg string, fields ...interface{})

	With(fields ...interface{}) Logger
	WithComponent(component string) Logger
}

// Config selects how a logger renders and where it writes.
type Config struct {
	Level     slog.Level
	Format    string // pretty, text or json
	Output    io.Writer
	AddSource bool
}

// DefaultConfig logs info and above, pretty, to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Format: "pretty",
		Output: os.Stderr,
	}
}

// ParseLevel maps a --log-level value to a slog level. "verbose" and
// "silly" are accepted as debug.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug", "verbose", "silly":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// SlogLogger is a Logger backed by a *slog.Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewLogger builds a logger from cfg, DefaultConfig when nil.
func NewLogger(cfg *Config) *SlogLogger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = charmlog.NewWithOptions(out, charmlog.Options{
			Level:           charmlog.Level(cfg.Level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
			ReportCaller:    cfg.AddSource,
		})
	}
	return &SlogLogger{l: slog.New(handler)}
}

// Discard drops everything.
func Discard() *SlogLogger {
	return &SlogLogger{l: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

func (s *SlogLogger) Debug(ctx context.Context, msg string, fields ...interface{}) {
	s.l.DebugContext(orBackground(ctx), msg, fields...)
}

func (s *SlogLogger) Info(ctx context.Context, msg string, fields ...interface{}) {
	s.l.InfoContext(orBackground(ctx), msg, fields...)
}

func (s *SlogLogger) Warn(ctx context.Context, err error, msg string, fields ...interface{}) {
	s.l.WarnContext(orBackground(ctx), msg, withError(err, fields)...)
}

func (s *SlogLogger) Error(ctx context.Context, err error, msg string, fields ...interface{}) {
	s.l.ErrorContext(orBackground(ctx), msg, withError(err, fields)...)
}

func (s *SlogLogger) With(fields ...interface{}) Logger {
	return &SlogLogger{l: s.l.With(fields...)}
}

func (s *SlogLogger) WithComponent(component string) Logger {
	return &SlogLogger{l: s.l.With("component", component)}
}

func withError(err error, fields []interface{}) []interface{} {
	if err == nil {
		return fields
	}
	return append([]interface{}{"error", err.Error()}, fields...)
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// Operation times one named step of the pipeline.
type Operation struct {
	logger Logger
	start  time.Time
}

// StartOperation starts timing name. Everything logged through the
// operation carries an "operation" field.
func StartOperation(logger Logger, name string) *Operation {
	return &Operation{logger: logger.With("operation", name), start: time.Now()}
}

// Elapsed is the time since the operation started.
func (o *Operation) Elapsed() time.Duration {
	return time.Since(o.start)
}

// End logs completion at debug level.
func (o *Operation) End(ctx context.Context) {
	o.logger.Debug(ctx, "operation completed", "duration", o.Elapsed().String())
}

// EndWithError logs the failure.
func (o *Operation) EndWithError(ctx context.Context, err error) {
	o.logger.Error(ctx, err, "operation failed", "duration", o.Elapsed().String())
}
