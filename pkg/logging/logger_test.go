package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		entries = append(entries, m)
	}
	return entries
}

func TestStructuredLogger_FieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("yield-test", "0.0.1", InfoLevel)
	logger.SetOutput(&buf)

	ctx := WithRequestID(context.Background(), "req-42")
	logger.Debug(ctx, "[HIDDEN] Should not appear", nil)
	logger.Info(ctx, "[FEATURES] Extracted yearly table", Fields{"stage": "extract", "years": 11})
	logger.Error(ctx, "[BACKTEST] Fold failed", Fields{"year": 2004}, errors.New("boom"))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)

	info := entries[0]
	assert.Equal(t, "INFO", info["level"])
	assert.Equal(t, "[FEATURES] Extracted yearly table", info["message"])
	assert.Equal(t, "yield-test", info["service"])
	assert.Equal(t, "extract", info["stage"])
	assert.Equal(t, float64(11), info["years"])
	assert.Equal(t, "req-42", info["request_id"])

	errEntry := entries[1]
	assert.Equal(t, "ERROR", errEntry["level"])
	assert.Equal(t, "boom", errEntry["error"])
	assert.Contains(t, errEntry["caller"], "logger_test.go")
}

func TestStructuredLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("yield-test", "0.0.1", WarnLevel)
	logger.SetOutput(&buf)

	logger.Info(context.Background(), "[A] dropped", nil)
	logger.SetLevel(DebugLevel)
	logger.Debug(context.Background(), "[B] kept", nil)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "[B] kept", entries[0]["message"])
}

func TestContextLogger_MergesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("yield-test", "0.0.1", DebugLevel)
	logger.SetOutput(&buf)

	cl := logger.WithFields(Fields{"stage": "validate", "protocol": "loyo"}).WithFields(Fields{"year": 1999})
	cl.Warn(context.Background(), "[FOLD] Skipped", Fields{"protocol": "walk-forward"})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "validate", entries[0]["stage"])
	assert.Equal(t, "walk-forward", entries[0]["protocol"])
	assert.Equal(t, float64(1999), entries[0]["year"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
