// Package logging builds the daemon's zerolog loggers. A logger is
// constructed per component that takes one (the daemon in
// internal/server) and passed explicitly to its constructor rather than
// used as a package global — the same style the VM itself uses for its own state, which
// keeps every component testable against a buffer.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a component logger writing to w (os.Stderr in production,
// a buffer in tests) at the given level, tagged with component so log
// lines can be filtered per subsystem.
func New(w io.Writer, level, component string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Default builds the production console logger: human-readable on a
// terminal, tagged for the given component, at the given level.
func Default(level, component string) zerolog.Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr}, level, component)
}
