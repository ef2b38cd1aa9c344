package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, nil, "debug", "json", "gateway")
	require.NoError(t, err)

	logger.Info().Str("request_id", "r-1").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "gateway", entry["service"])
	assert.Equal(t, "r-1", entry["request_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, nil, "warn", "json", "gateway")
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestNew_EmptyLevelDefaultsToInfo(t *testing.T) {
	logger, err := newLogger(&bytes.Buffer{}, nil, "", "json", "gateway")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(nil, &buf, "info", "console", "gateway")
	require.NoError(t, err)

	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestNew_Invalid(t *testing.T) {
	_, err := newLogger(nil, nil, "loud", "json", "gateway")
	assert.Error(t, err)

	_, err = newLogger(nil, nil, "info", "xml", "gateway")
	assert.Error(t, err)
}
