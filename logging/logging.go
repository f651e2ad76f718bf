// Package logging wires log/slog to a phuslu/log JSON backend, the same
// pairing the teacher repo's functional options used for its own process
// logging. It adds a trace level below debug so the LOG environment
// variable can select all five levels the specification requires.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	phuslog "github.com/phuslu/log"
)

// LevelTrace sits one step below slog.LevelDebug (-4). slog levels are
// just ints, so a custom level is simply a lower constant.
const LevelTrace = slog.Level(-8)

// levelNames lets slog print "TRACE" instead of "DEBUG-4" for our extra level.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
}

// ParseLevel maps the LOG environment variable's textual levels onto
// slog.Level, defaulting to info when unset or unrecognised.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelFromEnv reads LOG and parses it via ParseLevel.
func LevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv("LOG"))
}

// New builds a *slog.Logger backed by phuslu/log's JSON handler, writing
// to w at the given minimum level. It mirrors the teacher repo's
// WithPhusLogger option, generalised to a standalone constructor so both
// the CLI entrypoint and tests can obtain a logger without the app's
// functional-options machinery.
func New(w *os.File, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					if name, ok := levelNames[lvl]; ok {
						a.Value = slog.StringValue(name)
					}
				}
			}
			return a
		},
	}
	handler := phuslog.SlogNewJSONHandler(w, opts)
	return slog.New(handler)
}

// NewDefault builds a logger writing to stderr at the level named by LOG.
func NewDefault() *slog.Logger {
	return New(os.Stderr, LevelFromEnv())
}

// Tracef emits a trace-level message. slog has no Trace method of its own.
func Tracef(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelTrace, msg, args...)
}
