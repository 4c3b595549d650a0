package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the global slog default logger from the configured format and level.
//
// format: "json" selects JSONHandler, anything else TextHandler.
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
//
// Every record carries service=gitswarm so log pipelines shared with other services can
// filter on it.
func SetupLogger(format, level string) {
	handler := newHandler(os.Stdout, format, level)
	logger := slog.New(handler).With("service", "gitswarm")
	slog.SetDefault(logger)
	slog.Info("logger initialised", "format", format, "level", parseLevel(level).String())
}

func newHandler(w io.Writer, format, level string) slog.Handler {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
