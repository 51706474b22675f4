// Package logging wires the process-wide slog default. Verbosity comes
// from MOTIONLINK_LOG_LEVEL (falling back to LOG_LEVEL), so a motionlink
// process can be turned up without touching whatever LOG_LEVEL the host
// shell already exports.
package logging

import (
	"log/slog"
	"os"
)

func Init() {
	level := slog.LevelError // default: production only shows errors

	if l := lookupLevel(); l != "" {
		switch l {
		case "dev", "development", "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error", "production", "prod":
			level = slog.LevelError
		}
	}

	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}

func lookupLevel() string {
	if l := os.Getenv("MOTIONLINK_LOG_LEVEL"); l != "" {
		return l
	}
	return os.Getenv("LOG_LEVEL")
}
