package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_FormatPerEnvironment(t *testing.T) {
	prod := NewLogger("production")
	require.NotNil(t, prod)
	assert.IsType(t, &slog.JSONHandler{}, prod.Handler())

	dev := NewLogger("development")
	require.NotNil(t, dev)
	assert.IsType(t, &slog.TextHandler{}, dev.Handler())
}

func TestNewLogger_LevelPerEnvironment(t *testing.T) {
	prod := NewLogger("production")
	assert.True(t, prod.Handler().Enabled(nil, slog.LevelInfo))
	assert.False(t, prod.Handler().Enabled(nil, slog.LevelDebug))

	dev := NewLogger("development")
	assert.True(t, dev.Handler().Enabled(nil, slog.LevelDebug))
}

func TestNewHandler_ProductionEmitsJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(newHandler("production", &buf))
	logger.Info("started", slog.String("conversation", "conv-1"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "started", record["msg"])
	assert.Equal(t, "conv-1", record["conversation"])
}
