package app

import (
	"io"
	"log/slog"

	"github.com/vk/calcflowgo/internal/settings"
)

// newLogger builds the controller logger from the log settings. The global
// logger is left alone so tests can run isolated instances side by side.
func newLogger(ls settings.LogSettings, outW io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch ls.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if ls.Format == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
