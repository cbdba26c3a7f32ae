// Package s4log configures the process-wide structured logger: a
// package-level zerolog.Logger, an Init(Config), and
// component/identity-scoped child loggers. Named s4log rather than
// log to avoid colliding with the stdlib log/slog package.
package s4log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Safe to read from any goroutine
// once Init has run; Init itself must run before any other goroutine
// starts.
var Logger zerolog.Logger

// Level mirrors the handful of levels this system's operators care
// about; it maps directly onto zerolog's.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Call once, at process start,
// before spawning the HTTP server, pools, or the GC loop.
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

// Component names one of the node's subsystems, so call sites can't
// typo a string that silently fragments a dashboard's component filter.
type Component string

const (
	ComponentMain     Component = "main"
	ComponentHTTPAPI  Component = "httpapi"
	ComponentTransfer Component = "transfer"
	ComponentMapexec  Component = "mapexec"
	ComponentGC       Component = "gc"
)

// WithComponent scopes a child logger to one of the node's subsystems.
func WithComponent(component Component) zerolog.Logger {
	return Logger.With().Str("component", string(component)).Logger()
}

// WithJob scopes a child logger to an in-flight transfer job.
func WithJob(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithKey scopes a child logger to the key a handler is acting on.
func WithKey(key string) zerolog.Logger {
	return Logger.With().Str("key", key).Logger()
}
