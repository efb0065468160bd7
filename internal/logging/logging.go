// Package logging builds the slog loggers handed to every component.
package logging

import (
	"io"
	"log/slog"
)

// Level maps a verbosity count to a level: 0 errors only, 1 warnings,
// 2 info, 3 or more debug.
func Level(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelError
	case verbosity == 1:
		return slog.LevelWarn
	case verbosity == 2:
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// New returns a text logger on w tagged with the instance name. A nil w
// discards everything.
func New(w io.Writer, verbosity int, instance string) *slog.Logger {
	if w == nil {
		return Discard()
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level(verbosity)})
	l := slog.New(h)
	if instance != "" {
		l = l.With("instance", instance)
	}
	return l
}

// Discard is the default for components built without a logger.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }
