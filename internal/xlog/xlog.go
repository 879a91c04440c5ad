// Package xlog configures the process-wide structured logger. Every other
// package logs through here rather than calling fmt.Println or the bare log
// package directly, so output format (colorized text for a terminal, JSON
// under CI) is controlled in one place.
package xlog

import (
	"log/slog"
	"os"
	"strings"

	"github.com/phsym/console-slog"
	"golang.org/x/term"
)

// New builds the process logger from TOOLCHAINCTL_LOG and
// TOOLCHAINCTL_LOG_FORMAT, writing to w (os.Stderr in production).
func New(w *os.File) *slog.Logger {
	level := parseLevel(os.Getenv("TOOLCHAINCTL_LOG"))

	format := os.Getenv("TOOLCHAINCTL_LOG_FORMAT")
	if format == "" {
		format = "text"
	}

	var handler slog.Handler
	switch {
	case format == "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case term.IsTerminal(int(w.Fd())):
		handler = console.NewHandler(w, &console.HandlerOptions{Level: level})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
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

// process is the default process-wide logger, overridable by tests via
// SetDefault.
var process = New(os.Stderr)

// SetDefault overrides the process-wide logger; used by tests to capture
// output or by cmd/toolchainctl's early startup.
func SetDefault(l *slog.Logger) { process = l }

// L returns the process-wide logger.
func L() *slog.Logger { return process }
