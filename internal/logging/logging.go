// Package logging builds the process-wide *log.Logger.
package logging

import (
	"errors"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

var ErrNoOutput = errors.New("logging: no output configured")

type Options struct {
	// File is the path of a rotated log file; empty disables file output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	Stderr bool
	// Console replaces os.Stderr when Stderr is set.
	Console io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to every configured output and a closer
// releasing the log file.
func New(opts Options) (*log.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if opts.Stderr {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		writers = append(writers, console)
	}
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, rotating)
		closer = rotating
	}
	if len(writers) == 0 {
		return nil, nil, ErrNoOutput
	}

	return log.New(io.MultiWriter(writers...), "", log.LstdFlags|log.Lmicroseconds), closer, nil
}
