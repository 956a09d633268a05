package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("file sink with redaction", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "agentgw.log")
		l, err := New(Config{Level: "debug", File: path, Redaction: true, Service: "agentgw"})
		require.NoError(t, err)
		defer l.Close()

		zl := l.Zerolog()
		zl.Info().Str("auth", "Bearer abc.def.ghi").Msg("connect")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"service":"agentgw"`)
		assert.Contains(t, string(data), "[REDACTED]")
		assert.NotContains(t, string(data), "abc.def.ghi")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud", File: filepath.Join(t.TempDir(), "a.log")})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
	})

	t.Run("installs global logger", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "global.log")
		l, err := New(Config{Level: "info", File: path})
		require.NoError(t, err)
		defer l.Close()

		log.Info().Msg("via global")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "via global")
	})
}

func TestComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	l, err := New(Config{Level: "info", File: path})
	require.NoError(t, err)
	defer l.Close()

	c := l.Component("gateway")
	c.Info().Msg("hi")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"gateway"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, "agentgw", cfg.Service)
}
