// Package logging wires zerolog the way the server's boot sequence
// expects: one process-wide logger, level set from configuration.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to stderr with the given level
// name ("debug", "info", "warn", "error"); unknown levels fall back to
// info, matching the teacher's tolerant config parsing style.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
}
