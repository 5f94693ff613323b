package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "": slog.LevelInfo,
		"warn": slog.LevelWarn, "warning": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(FormatJSON, slog.LevelWarn, &buf)
	l.Info("hidden")
	l.Warn("uart_open", "device", "/dev/ttyUSB0")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "uart_open", rec["msg"])
	assert.Equal(t, "/dev/ttyUSB0", rec["device"])
}

func TestSetIgnoresNil(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Set(prev) })
	l := New(FormatText, slog.LevelDebug, &bytes.Buffer{})
	Set(l)
	Set(nil)
	assert.Same(t, l, L())
	assert.True(t, ValidFormat("json"))
	assert.False(t, ValidFormat("xml"))
}
