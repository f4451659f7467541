// Package logging configures the global zerolog logger and hands out
// component-scoped child loggers.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string    // debug, info, warn, error
	Format     string    // json, console
	TimeFormat string    // zerolog.TimeFieldFormat for json output
	Output     io.Writer // defaults to stdout
}

// DefaultConfig returns JSON logging at info level on stdout.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339Nano,
	}
}

// Init replaces the global logger. Unknown levels fall back to info.
func Init(cfg Config) {
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}

// WithComponent returns a child of the global logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRecognizer returns a session logger tagged with the recognizer in use.
func WithRecognizer(sessionID, provider string) zerolog.Logger {
	return log.With().
		Str("component", "session").
		Str("sessionId", sessionID).
		Str("sttProvider", provider).
		Logger()
}

// WithUtterance returns a logger for one utterance of a session.
func WithUtterance(sessionID, utteranceID string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("utteranceId", utteranceID).
		Logger()
}
