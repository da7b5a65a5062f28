// Package kohakulog provides structured logging for KohakuRiver's Host and
// Runner processes. It wraps zerolog with component- and entity-scoped
// child loggers so call sites never construct their own zerolog.Context.
package kohakulog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger instance, set up by Init.
var Logger zerolog.Logger

// Level is a KohakuRiver log level name, as read from config.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the global logger's verbosity and output format.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Safe to call once at process start;
// later calls replace Logger wholesale.
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

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithHostname returns a child logger tagged with a runner hostname.
func WithHostname(hostname string) zerolog.Logger {
	return Logger.With().Str("hostname", hostname).Logger()
}

// WithTaskID returns a child logger tagged with a task ID.
func WithTaskID(taskID int64) zerolog.Logger {
	return Logger.With().Int64("task_id", taskID).Logger()
}

// WithRunnerID returns a child logger tagged with an overlay runner ID.
func WithRunnerID(runnerID int) zerolog.Logger {
	return Logger.With().Int("runner_id", runnerID).Logger()
}

func init() {
	// Sensible default before Init() runs, so early log lines during flag
	// parsing don't panic on a zero-value Logger.
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
