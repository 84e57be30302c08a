package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

type Options struct {
	Level  string
	Format string
	// File redirects the log away from stderr, which the MCP stdio transport
	// needs since stdout carries the protocol.
	File string
}

var logFile *os.File

/*
Configure sets up the default charmbracelet logger. Every package logs
through the package level functions, so this is the only place that decides
level, format and destination.
*/
func Configure(options Options) error {
	level, err := log.ParseLevel(strings.ToLower(options.Level))
	if err != nil {
		level = log.InfoLevel
	}

	var out io.Writer = os.Stderr

	if options.File != "" {
		file, err := os.OpenFile(options.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", options.File, err)
		}

		Close()
		logFile = file
		out = file
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           level,
		ReportTimestamp: true,
		ReportCaller:    level == log.DebugLevel,
		Prefix:          "memcube",
	})

	switch strings.ToLower(options.Format) {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	default:
		logger.SetFormatter(log.TextFormatter)
	}

	log.SetDefault(logger)

	return nil
}

// Close closes the log file, if any.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}
