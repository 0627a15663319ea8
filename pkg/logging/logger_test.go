package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("default level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("default pretty should be false")
	}
}

func TestSetup_WritesToConfiguredOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{
		Level:  LevelDebug,
		Pretty: false,
		Output: buf,
	})

	logger.Info().Str("provider", "openrouter").Msg("dispatch complete")

	output := buf.String()
	if !strings.Contains(output, "dispatch complete") {
		t.Errorf("Expected output to contain message, got %q", output)
	}
	if !strings.Contains(output, "openrouter") {
		t.Errorf("Expected output to contain structured field, got %q", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewLogger_TagsComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: buf,
	})

	logger := NewLogger("batch")
	logger.Info().Msg("wave complete")

	output := buf.String()
	if !strings.Contains(output, `"component":"batch"`) {
		t.Errorf("Expected component field in output, got %q", output)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{
		Level:  LevelWarn,
		Pretty: false,
		Output: buf,
	})

	logger := NewLogger("dispatcher")
	logger.Debug().Msg("retry decision")
	logger.Info().Msg("dispatch complete")
	logger.Warn().Msg("provider exhausted")
	logger.Error().Msg("quota critical")

	output := buf.String()
	if strings.Contains(output, "retry decision") || strings.Contains(output, "dispatch complete") {
		t.Error("Messages below warn level should be filtered out")
	}
	if !strings.Contains(output, "provider exhausted") {
		t.Error("Warn message should be included at warn level")
	}
	if !strings.Contains(output, "quota critical") {
		t.Error("Error message should be included at warn level")
	}
}
