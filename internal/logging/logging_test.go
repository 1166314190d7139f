package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		level slog.Level
		off   bool
	}{
		{"off", slog.LevelError, true},
		{"error", slog.LevelError, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{"bogus", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		level, off := parseLevel(tt.in)
		assert.Equal(t, tt.level, level, tt.in)
		assert.Equal(t, tt.off, off, tt.in)
	}
}

func TestConfigureSetsDefault(t *testing.T) {
	logger := Configure(Config{Level: "debug", ExtraFields: map[string]string{"svc": "test"}})
	assert.NotNil(t, logger)
	assert.Same(t, logger, slog.Default())
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}
