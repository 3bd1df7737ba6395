package utils

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", false, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"test"`)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	logger := NewLogger("verbose", false, &bytes.Buffer{})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}
