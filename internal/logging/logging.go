// Package logging provides zerolog setup shared by all components.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls global logger behaviour.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string

	// Format is the output format (json, console).
	Format string

	// EnableCaller adds caller information to logs.
	EnableCaller bool

	// Output overrides the destination. Defaults to stderr so stdout
	// stays free for machine consumers.
	Output io.Writer
}

var (
	mu   sync.RWMutex
	base = defaultLogger()
)

func defaultLogger() zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// Init configures the global base logger. Safe to call more than once;
// the last call wins.
func Init(cfg Config) {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var writer io.Writer
	switch strings.ToLower(cfg.Format) {
	case "json":
		writer = output
	default:
		writer = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)

	logger := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		logger = logger.Caller()
	}

	mu.Lock()
	base = logger.Logger()
	mu.Unlock()
}

// Component returns a logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
