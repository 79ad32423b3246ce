package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		defer logger.Close()

		assert.Nil(t, logger.file)
	})

	t.Run("file output installs the global logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "sandesh.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		log.Info().Str("session_id", "s1").Msg("global message")
		component := logger.Component("bridge")
		component.Info().Msg("component message")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		content := string(data)
		assert.Contains(t, content, "global message")
		assert.Contains(t, content, `"component":"bridge"`)
	})

	t.Run("redaction masks credentials", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "sandesh.log")

		logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, logger.redactor)

		logger.Info().Msg("using key sk-test123456789abcdefghijklmnopqrstuvwxyz")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "[REDACTED]")
		assert.False(t, strings.Contains(string(data), "sk-test123456789abcdef"))
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "loud", Console: true})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, "info", logger.GetZerolog().GetLevel().String())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
