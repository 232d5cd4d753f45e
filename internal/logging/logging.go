// Package logging provides structured logging for trojan-relay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelOff is above every level the relay emits, so nothing gets through.
const LevelOff = slog.Level(16)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error, off, or the numeric levels 0-5
// used by older trojan configuration files.
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a configured log level to slog.Level.
// Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "all", "0":
		return slog.LevelDebug
	case "info", "1":
		return slog.LevelInfo
	case "warn", "warning", "2":
		return slog.LevelWarn
	case "error", "3", "fatal", "4":
		return slog.LevelError
	case "off", "5":
		return LevelOff
	default:
		return slog.LevelInfo
	}
}

// IsValidLevel reports whether level is understood by ParseLevel.
func IsValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "all", "info", "warn", "warning", "error", "fatal", "off",
		"0", "1", "2", "3", "4", "5":
		return true
	default:
		return false
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging.
const (
	KeyComponent  = "component"
	KeySession    = "session"
	KeyState      = "state"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyTarget     = "target"
	KeyClient     = "client"
	KeyUser       = "user"
	KeyError      = "error"
	KeyDuration   = "duration"
	KeyUpload     = "upload"
	KeyDownload   = "download"
	KeyCount      = "count"
	KeyMode       = "mode"
)
