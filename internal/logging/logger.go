// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns the logger for the given runtime environment.
// "production" emits JSON at info level; anything else emits text at
// debug level for local work.
func NewLogger(env string) *slog.Logger {
	return slog.New(newHandler(env, os.Stdout))
}

func newHandler(env string, w io.Writer) slog.Handler {
	if env == "production" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
}
