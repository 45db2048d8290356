// Package logging configures structured logging for tripsync.
//
// Console output goes through tint, colored only when the output is a
// terminal. With a log file configured, records are also written as JSON to
// a size-rotated file.
//
// Environment variables:
//
//	LOG_LEVEL: debug, info, warn, error (used when Options.Level is empty)
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	// Level is debug, info, warn or error. Empty means LOG_LEVEL, then info.
	Level string
	// Console defaults to os.Stderr.
	Console io.Writer
	// File enables JSON output to a rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup builds a logger from opts and installs it as slog's default.
// The returned function closes the log file, if any.
func Setup(opts Options) (*slog.Logger, func() error) {
	logger, closer := New(opts)
	slog.SetDefault(logger)
	return logger, closer
}

// New builds a logger from opts without installing it.
func New(opts Options) (*slog.Logger, func() error) {
	level := ParseLevel(opts.Level)
	if opts.Level == "" {
		level = ParseLevel(os.Getenv("LOG_LEVEL"))
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(console),
		}),
	}
	closer := func() error { return nil }

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level}))
		closer = rotator.Close
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer
	}
	return slog.New(fanout(handlers)), closer
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// fanout sends every record to all handlers that accept its level.
type fanout []slog.Handler

func (h fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(h))
	for i, handler := range h {
		out[i] = handler.WithAttrs(attrs)
	}
	return out
}

func (h fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(h))
	for i, handler := range h {
		out[i] = handler.WithGroup(name)
	}
	return out
}
