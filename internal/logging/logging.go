// Package logging builds the service's slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure New.
type Options struct {
	Level      string
	File       string // empty logs to stdout only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns a JSON logger writing to stdout and, when File is set, a
// rotated log file. The returned closer flushes the file.
func New(opts Options) (*slog.Logger, io.Closer) {
	var writer io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writer = io.MultiWriter(os.Stdout, fileLogger)
		closer = fileLogger
	}

	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})), closer
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
