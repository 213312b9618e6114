// Package logging provides structured logging for the copy/dedup engine
// using zerolog. It wraps a global logger with component-scoped child
// loggers so each subsystem (claimant, hasher, committer, diagnostic, ...)
// tags its own log lines without threading a logger through every call.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level names accepted in configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the global logger's verbosity and output format.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init sets up the global logger. Call once at process start, before any
// component logger is derived from it.
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

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the owning subsystem
// (e.g. "claimant", "hasher", "committer", "supervisor").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithMedium returns a child logger tagged with the medium a run is
// operating against.
func WithMedium(mediumHash string) zerolog.Logger {
	return Logger.With().Str("medium_hash", mediumHash).Logger()
}

// WithWorker returns a child logger tagged with a worker's ordinal within
// a supervisor's pool.
func WithWorker(id int) zerolog.Logger {
	return Logger.With().Int("worker", id).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
