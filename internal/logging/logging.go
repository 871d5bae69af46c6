// Package logging builds the logrus loggers shared by the CLI, the tool server
// and the pipeline.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// EnvLevel names the environment variable consulted when no level is configured.
const EnvLevel = "DETECTION_REASONER_LOG_LEVEL"

// New returns a logger writing to out at the given level ("debug", "info",
// "warn", ...). Format is "text" or "json". An empty level falls back to
// EnvLevel and then to "info".
func New(level, format string, out io.Writer) (*log.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	if level == "" {
		level = "info"
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return logger, nil
}

// Discard returns a logger that drops everything. Used where a caller did not
// supply one.
func Discard() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l log.FieldLogger) log.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}
