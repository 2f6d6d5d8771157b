// Package logging builds the root zerolog logger every component derives
// from with logger.With().Str("component", ...).Logger().
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human-readable console output instead of JSON
}

// New builds the root logger. Unknown level strings fall back to info.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := os.Stdout
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly})
	}

	return logger.Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// ParseLevel converts a level string to a zerolog level.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
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
