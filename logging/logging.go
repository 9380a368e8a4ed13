// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Config controls the verbosity and format of the default slog logger.
type Config struct {
	Level string `json:"level"` // debug, info, warn, error
	JSON  bool   `json:"json"`  // true for machine-readable output, false for local dev
}

// Setup installs a configured slog.Logger as the process default.
func Setup(cfg Config) {
	var level slog.Level
	switch cfg.Level {
	case "debug", "trace":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
