// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below slog's debug level so trace-only records can be
// emitted with logger.Log(ctx, LevelTrace, ...).
const LevelTrace = slog.LevelDebug - 4

type Config struct {
	Level       string
	JSON        bool
	ExtraFields map[string]string
}

// Configure builds a logger from cfg, installs it as the slog default, and
// returns it. The "off" level discards all output.
func Configure(cfg Config) *slog.Logger {
	out := io.Writer(os.Stderr)

	level, off := parseLevel(cfg.Level)
	if off {
		out = io.Discard
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	attrs := make([]slog.Attr, 0, len(cfg.ExtraFields))
	for k, v := range cfg.ExtraFields {
		attrs = append(attrs, slog.String(k, v))
	}
	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLevel maps a verbosity string onto a slog level. The second return
// is true when logging is disabled entirely.
func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return slog.LevelError, true
	case "error":
		return slog.LevelError, false
	case "warn", "warning":
		return slog.LevelWarn, false
	case "", "info":
		return slog.LevelInfo, false
	case "debug":
		return slog.LevelDebug, false
	case "trace":
		return LevelTrace, false
	default:
		return slog.LevelInfo, false
	}
}
