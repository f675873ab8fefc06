package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) { // A
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewRespectsLevel(t *testing.T) { // A
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, Options{Level: slog.LevelWarn, NoColor: true})

	log.Info("quiet")
	assert.Zero(t, buf.Len())

	log.Warn("loud", "peer", "node-b")
	out := buf.String()
	assert.Contains(t, out, "loud")
	assert.Contains(t, out, "peer=node-b")
	assert.NotContains(t, out, "\x1b[")
}

func TestDiscard(t *testing.T) { // A
	t.Parallel()
	assert.NotPanics(t, func() { Discard().Error("dropped") })
}
