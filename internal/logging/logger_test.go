package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewWithWriterAppliesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "quiz-live", "production", "warn")

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "app=quiz-live")
}

func TestNewWithWriterUnknownLevelDefaultsToInfo(t *testing.T) {
	logger := NewWithWriter(&bytes.Buffer{}, "quiz-live", "test", "loud")
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestContextRoundTrip(t *testing.T) {
	assert.Equal(t, zerolog.Disabled, FromContext(context.Background()).GetLevel())

	logger := zerolog.New(&bytes.Buffer{}).Level(zerolog.DebugLevel)
	ctx := IntoContext(context.Background(), logger)
	assert.Equal(t, zerolog.DebugLevel, FromContext(ctx).GetLevel())
}
