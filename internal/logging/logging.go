// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"
)

// Options controls logger construction.
type Options struct {
	// Verbose lowers the level from info to debug
	Verbose bool

	// Format is "text" (default) or "json"
	Format string

	// File, when set, receives the logs instead of stderr and is rotated
	// once it grows past MaxSizeMB
	File      string
	MaxSizeMB int
}

// New returns a logger and a closer for any file it opened.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if err := validate(opts); err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: 3,
		}
		w, closer = lj, lj
	}
	return NewWithWriter(w, opts), closer, nil
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(w io.Writer, opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func validate(opts Options) error {
	switch opts.Format {
	case "", "text", "json":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
