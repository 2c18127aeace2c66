package config

import (
	"io"
	"log/slog"
)

// NewLogger builds the process logger from the logging settings.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch c.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if c.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
