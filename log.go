package fastcgi

import (
	"os"

	"github.com/rs/zerolog"
)

// componentLogger returns a child logger tagged with the given
// component name.
func componentLogger(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// NewDiscardLogger returns a logger that drops everything. NewManager
// does not substitute it for a zero ManagerConfig.Logger; the zero value
// is passed through as is and is equally silent.
func NewDiscardLogger() zerolog.Logger {
	return zerolog.Nop()
}

// NewConsoleLogger returns a human-readable logger writing to stderr,
// useful for local development and the package's own tests.
func NewConsoleLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
