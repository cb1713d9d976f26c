// Package logging builds the per-component loggers used across omssync.
// Every component gets a stdlib *log.Logger with a bracketed prefix; when a
// log file is configured, output also goes to a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a Sink.
type Options struct {
	// File receives a copy of all log output. Empty disables file logging.
	File string

	// MaxSizeMB is the size at which File is rotated.
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept.
	MaxBackups int

	// Console is the terminal writer, os.Stderr when nil.
	Console io.Writer

	// Quiet drops console output; the file still receives everything.
	Quiet bool
}

// Sink is the shared destination for component loggers.
type Sink struct {
	w       io.Writer
	rotator *lumberjack.Logger
}

// Open creates a Sink for opts.
func Open(opts Options) (*Sink, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if opts.Quiet {
		console = io.Discard
	}

	if opts.File == "" {
		return &Sink{w: console}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	return &Sink{w: io.MultiWriter(console, rotator), rotator: rotator}, nil
}

// Discard returns a Sink that drops everything.
func Discard() *Sink {
	return &Sink{w: io.Discard}
}

// Logger returns a logger for component, e.g. Logger("engine") prefixes
// lines with "[engine] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Rotate starts a new log file. It is a no-op without file logging.
func (s *Sink) Rotate() error {
	if s.rotator == nil {
		return nil
	}
	return s.rotator.Rotate()
}

// Close flushes and closes the log file, if any.
func (s *Sink) Close() error {
	if s.rotator == nil {
		return nil
	}
	return s.rotator.Close()
}
