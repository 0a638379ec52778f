package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Options controls the process logger.
type Options struct {
	Level        string
	Prefix       string
	ReportCaller bool
	JSON         bool
}

// New builds a logger writing to w, or to stdout when w is nil.
func New(opts Options, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stdout
	}

	logger := log.New(w)
	logger.SetPrefix(opts.Prefix)
	logger.SetReportTimestamp(true)
	logger.SetTimeFormat(time.DateTime)
	logger.SetReportCaller(opts.ReportCaller)
	if opts.JSON {
		logger.SetFormatter(log.JSONFormatter)
	}
	logger.SetLevel(ParseLevel(opts.Level))
	return logger
}

// ParseLevel maps debug, warn and error to their levels; anything else is info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
