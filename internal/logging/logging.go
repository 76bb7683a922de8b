// Package logging provides the structured logger used by every component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the package-wide base logger. Call once from main before
// any component logger is constructed. level is one of "debug", "info",
// "warn", "error" (case-insensitive); unrecognized values fall back to info.
// When pretty is true, output is a human-readable console writer instead of
// newline-delimited JSON (useful for local runs).
func Init(level string, pretty bool) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(w).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
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

// WithComponent returns a logger tagged with the given component name. Every
// long-lived type holds one of these rather than reaching for a package-level
// singleton.
func WithComponent(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
