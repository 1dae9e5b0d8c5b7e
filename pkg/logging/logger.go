// Package logging configures zerolog for the mirror.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// FromConfig builds a logging Config from the level/pretty pair carried in
// the mirror configuration.
func FromConfig(level string, pretty bool) Config {
	cfg := DefaultConfig()
	cfg.Level = LogLevel(level)
	cfg.Pretty = pretty
	return cfg
}

// Setup configures and returns the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: cache keys, strategy selection, upstream attempts, detached tasks
// Info: startup, shutdown, warm-up summaries
// Warn: upstream retries, cache store errors, low upstream rate limit
// Error: exhausted upstream failures, store connection failures
//
// Context Fields:
//   - request_id: per-request identifier
//   - path: inbound request path
//   - target: resolved upstream URL
//   - strategy: cache policy label (dynamic, versioned, default)
//   - cache_status: HIT or MISS
//   - key: cache key
//   - status: HTTP status code
//   - attempt: upstream attempt number
//   - duration: request duration
