// Package logging wraps zerolog for the module's ambient logging
// concern. zerolog is the teacher's direct (non-indirect) go.mod
// dependency, and the library its node_executors.go and
// src/internal/config.go actually reach for — this standardizes on
// it rather than the alternate generation's log/slog wrapper in
// internal/infrastructure/logger/logger.go, which never shipped past
// a stdlib stand-in.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger at the given level ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info").
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
