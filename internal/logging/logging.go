// Package logging wires the control plane's structured logger: a single
// process-wide zerolog.Logger, with component-scoped children for each
// subsystem, and a Redacted helper that passes text through the secret
// redaction pass. The logger itself does not redact: only text a caller
// routes through Redacted is redacted.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/PSEUDONYM97/zeroclaw/internal/redact"
)

// Logger is the global logger instance, initialized by Init.
var Logger zerolog.Logger

// Level names accepted by configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the global logger's verbosity and output shape.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init installs the global logger. Call once at process startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagging every line with the
// subsystem name (registry, procctl, supervisor, router, delivery, httpapi).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithInstance returns a child logger tagging every line with the instance
// it concerns.
func WithInstance(instanceID string) zerolog.Logger {
	return Logger.With().Str("instance_id", instanceID).Logger()
}

// Redacted applies the control plane's secret redaction pass to a message
// before it reaches a log sink, per the rule that every error message is
// redacted before it leaves the process boundary, logs included.
func Redacted(msg string) string {
	return redact.Default().String(msg)
}
