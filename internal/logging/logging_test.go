package logging

import (
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		"":        logger.INFO,
		"warn":    logger.WARNING,
		"warning": logger.WARNING,
		"error":   logger.ERROR,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLevelFiltering(t *testing.T) {
	l := New("test").(*kvLogger)
	l.SetLevel(logger.WARNING)
	assert.False(t, l.enabled(logger.DEBUG))
	assert.False(t, l.enabled(logger.INFO))
	assert.True(t, l.enabled(logger.WARNING))
	assert.True(t, l.enabled(logger.ERROR))
	assert.Panics(t, func() { l.Panicf("boom %d", 1) })
}
