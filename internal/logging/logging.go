// Package logging provides the process-wide operational logger. It is a thin
// wrapper over log/slog: an atomic logger pointer so output can be redirected
// while goroutines are logging, and a LevelVar so verbosity can change at
// runtime. Operational logs are separate from the UI log pane, which carries
// the user-facing job history.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetOutput redirects operational logs, e.g. to a file while the terminal UI
// owns the screen. Passing io.Discard silences them.
func SetOutput(w io.Writer) {
	opLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// SetLevelFromString sets the level from its config spelling. Unknown values
// leave the level unchanged.
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}
