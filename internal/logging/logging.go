// Package logging builds the prefixed loggers the rest of farmsync injects.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log output goes.
type Options struct {
	// File to write to. Empty means stderr.
	File string

	// MaxSizeMB before the file rotates (default 10).
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (default 3).
	MaxBackups int
}

// New returns a logger with the given component prefix, rotating its file
// output when one is configured.
func New(component string, opts Options) *log.Logger {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 3
		}
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
	}
	return log.New(w, "["+component+"] ", log.LstdFlags)
}
