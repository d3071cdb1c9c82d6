// Package logging builds the process logger.
package logging

import (
	"io"
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// File is the rotating log file. Empty logs to the console only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console also receives every line when not nil. It is nil while the
	// dashboard owns the terminal.
	Console io.Writer
}

// New returns a logger writing to the rotating file and the console. The
// closer flushes and closes the file.
func New(opts Options) (*log.Logger, io.Closer) {
	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, file)
		closer = file
	}
	if opts.Console != nil {
		writers = append(writers, opts.Console)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}
	return log.New(io.MultiWriter(writers...), "", log.LstdFlags|log.Lmicroseconds), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
