// Package logging builds the structured logger shared by every component.
//
// Records go to stdout and, when a file is configured, to a size-rotated
// log file.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Debug lowers the level from Info to Debug.
	Debug bool

	// File is the log file path. Empty disables file output.
	File string

	// Stdout receives console output (default os.Stdout).
	Stdout io.Writer

	// MaxSizeMB, MaxBackups and MaxAgeDays bound file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is a configured logger plus the resources it owns.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// New builds a text logger writing to stdout and, optionally, a rotated file.
func New(opts Options) *Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	var file *lumberjack.Logger
	if opts.File != "" {
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		}
		out = io.MultiWriter(out, file)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler), file: file}
}

// Component returns a child logger tagged with the component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// Close releases the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
