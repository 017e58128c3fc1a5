// Package logger builds the process-wide slog logger: text, coloured text or
// JSON output, optionally duplicated into a size-rotated file.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the handler.
type SlogConfig struct {
	Level      Level
	Format     Format
	Color      bool // ignored for JSON and when logging to a file
	TimeStamps bool
	Source     bool
}

// FileConfig enables a rotated log file next to stdout.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config describes the process logger.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// FileWriter returns the rotating writer for File.Path, or nil when no file
// is configured.
func (c Config) FileWriter() *lj.Logger {
	if c.File.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File.Path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// New builds a logger writing to out (os.Stdout when nil) and, when
// configured, to the rotated file. The returned closer releases the file.
func (c Config) New(out io.Writer) (*slog.Logger, io.Closer) {
	if out == nil {
		out = os.Stdout
	}
	var closer io.Closer = nopCloser{}
	w := out
	color := c.Slog.Color
	if fw := c.FileWriter(); fw != nil {
		w = io.MultiWriter(out, fw)
		closer = fw
		color = false
	}

	opts := &slog.HandlerOptions{Level: c.Slog.Level.slog(), AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}

	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// NewSlogger is New on stdout without a closer, for short-lived tools.
func (c Config) NewSlogger() *slog.Logger {
	l, _ := c.New(os.Stdout)
	return l
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
