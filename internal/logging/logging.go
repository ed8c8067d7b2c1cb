// Package logging builds the slog logger shared by the server and client
// roles.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Options selects level, encoding and an optional rotated log file.
type Options struct {
	Level     string // debug, info, warn, error
	Format    string // auto, text, json
	File      string
	MaxSizeMB int
	MaxFiles  int
	// Role is attached to every record, e.g. "server" or "client".
	Role string
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to stderr and, when configured, to a rotated
// file. Format "auto" picks text on a terminal and JSON otherwise. The
// returned closer releases the log file.
func New(opts Options, stderr *os.File) (*slog.Logger, io.Closer, error) {
	var w io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rf, err := OpenRotatingFile(opts.File, opts.MaxSizeMB, opts.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(stderr, rf)
		closer = rf
	}

	logger := slog.New(NewHandler(w, opts.Format, isTerminal(stderr), ParseLevel(opts.Level)))
	if opts.Role != "" {
		logger = logger.With("role", opts.Role)
	}
	return logger, closer, nil
}

// NewHandler returns a text handler for terminals and a JSON handler
// otherwise, unless format forces one.
func NewHandler(w io.Writer, format string, tty bool, level slog.Level) slog.Handler {
	hopts := &slog.HandlerOptions{Level: level}
	switch format {
	case "text":
		return slog.NewTextHandler(w, hopts)
	case "json":
		return slog.NewJSONHandler(w, hopts)
	}
	if tty {
		return slog.NewTextHandler(w, hopts)
	}
	return slog.NewJSONHandler(w, hopts)
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
