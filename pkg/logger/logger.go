package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance shared by all packages.
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "taskengine").
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// With returns a child logger tagged with the given component name.
// Used by packages that want their log lines attributable without
// repeating the field on every call.
func With(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
