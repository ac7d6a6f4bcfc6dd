package logger

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{"debug level", "debug", zerolog.DebugLevel},
		{"info level", "info", zerolog.InfoLevel},
		{"warn level", "warn", zerolog.WarnLevel},
		{"error level", "error", zerolog.ErrorLevel},
		{"default level", "", zerolog.InfoLevel},
		{"invalid level falls back to info", "bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetForTesting()

			Setup(Config{Level: tt.level, Output: os.Stdout, TimeFormat: time.RFC3339})

			assert.Equal(t, tt.expected, zerolog.GlobalLevel())
			require.NotNil(t, Get())
			assert.Equal(t, tt.expected, Get().GetLevel())
		})
	}
}

func TestSetupOnlyAppliesOnce(t *testing.T) {
	ResetForTesting()

	Setup(Config{Level: "debug"})
	Setup(Config{Level: "error"})

	assert.Equal(t, zerolog.DebugLevel, Get().GetLevel())
}

func TestForceSetupReplacesLogger(t *testing.T) {
	ResetForTesting()
	Setup(Config{Level: "info"})

	ForceSetup(Config{Level: "error"})

	assert.Equal(t, zerolog.ErrorLevel, Get().GetLevel())
}

func TestWithFieldsAddsContext(t *testing.T) {
	var buf bytes.Buffer
	ResetForTesting()
	Setup(Config{Level: "debug", Format: FormatJSON, Output: &buf})

	log := Get().With(map[string]interface{}{"component": "test"})
	log.Info("hello")

	assert.Contains(t, buf.String(), `"component":"test"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestWithFieldsNilReceiverReturnsGlobal(t *testing.T) {
	ResetForTesting()
	var l *Logger
	assert.Same(t, Get(), l.WithFields(nil).WithFields(nil))
}

func TestContextRoundTrip(t *testing.T) {
	ResetForTesting()
	Setup(Config{Level: "info"})

	log := Get().With(map[string]interface{}{"request_id": "abc"})
	ctx := NewContext(context.Background(), log)

	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, log, got)
}

func TestFromContextMissingReturnsNil(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}

func TestParseLogFormat(t *testing.T) {
	assert.Equal(t, FormatConsole, ParseLogFormat("console"))
	assert.Equal(t, FormatJSON, ParseLogFormat("json"))
	assert.Equal(t, FormatJSON, ParseLogFormat("anything-else"))
}
