// Package logger builds the zerolog logger shared by the binaries.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicecall/config"
)

// New creates a logger for service. LOG_FORMAT=console writes human
// readable lines to stderr, anything else writes JSON.
func New(cfg *config.Config, service string) zerolog.Logger {
	return newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel, service)
}

func newLogger(out io.Writer, format, level, service string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Level(parseLevel(level))
}

func parseLevel(raw string) zerolog.Level {
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
