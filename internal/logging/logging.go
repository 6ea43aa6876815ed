// Package logging builds the charmbracelet loggers used across convostore.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// Format selects the log line encoding
type Format string

const (
	FormatText   Format = "text"
	FormatJSON   Format = "json"
	FormatLogfmt Format = "logfmt"
)

// Options configures a logger
type Options struct {
	Level  string
	Output io.Writer
	Prefix string
	Format Format
}

// New creates a logger; an empty level means info and a nil output stderr
func New(opts Options) (*log.Logger, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		l, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		level = l
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	formatter := log.TextFormatter
	switch opts.Format {
	case "", FormatText:
	case FormatJSON:
		formatter = log.JSONFormatter
	case FormatLogfmt:
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return log.NewWithOptions(opts.Output, log.Options{
		Level:           level,
		Prefix:          opts.Prefix,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}), nil
}

// OpenFile opens path for appending, creating its directory
func OpenFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return f, nil
}
