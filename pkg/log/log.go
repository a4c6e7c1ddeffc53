// Package log configures the process-wide zerolog logger and hands out
// child loggers tagged with the ids that matter when tracing a request
// across the sandbox, session and cargo layers.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger. Packages derive child loggers from it through
// the With* helpers; it defaults to JSON on stdout so logging works before
// Init runs.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging settings.
type Config struct {
	// Level is a zerolog level name (debug, info, warn, error). Unknown
	// values fall back to info.
	Level string

	// JSONOutput emits machine-readable JSON lines instead of the console
	// format.
	JSONOutput bool
}

// Init configures the global logger from the loaded configuration.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.JSONOutput {
		Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithSandboxID returns a child logger tagged with a sandbox id.
func WithSandboxID(sandboxID string) *zerolog.Logger {
	l := Logger.With().Str("sandbox_id", sandboxID).Logger()
	return &l
}

// WithSessionID returns a child logger tagged with a session id.
func WithSessionID(sessionID string) *zerolog.Logger {
	l := Logger.With().Str("session_id", sessionID).Logger()
	return &l
}

// WithCargoID returns a child logger tagged with a cargo id.
func WithCargoID(cargoID string) *zerolog.Logger {
	l := Logger.With().Str("cargo_id", cargoID).Logger()
	return &l
}
