// Package logging initializes the global zerolog logger, following the
// teacher's internal/logging package: a single package-level Init call
// assigns a configured zerolog.Logger to log.Logger. Unlike the teacher
// (an embedded Pi service with one hard-coded log file path), this is a
// server-class daemon: the destination is an optional file path, defaulting
// to stdout, so it behaves under systemd/container log collection without
// requiring a writable /var/log.
package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger at the given level. If logFile is
// empty, logs go to stdout; otherwise they are appended to the named file
// as well as stdout.
func Init(level zerolog.Level, logFile string) {
	var logger zerolog.Logger

	if logFile == "" {
		logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			panic(fmt.Errorf("failed to open log file: %w", err))
		}
		multi := zerolog.MultiLevelWriter(os.Stdout, f)
		logger = zerolog.New(multi).Level(level).With().Timestamp().Logger()
	}

	log.Logger = logger

	if level == zerolog.DebugLevel {
		log.Debug().Msg("Log level set to DEBUG")
	}
}
