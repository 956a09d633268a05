package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/internal/config"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped", func(t *testing.T) {
		path := writeConfig(t, nil)
		output, err := execute(t, "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
	})

	t.Run("running without a reachable gateway", func(t *testing.T) {
		path := writeConfig(t, map[string]any{"gateway": map[string]any{"port": 1}})
		pidFile := filepath.Join(filepath.Dir(path), "agentgw.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

		output, err := execute(t, "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, output, "Gateway: unreachable")
	})
}

func TestGatewayURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.Host = "0.0.0.0"
	cfg.Gateway.Port = 9000
	assert.Equal(t, "http://127.0.0.1:9000", gatewayURL(cfg))

	cfg.Gateway.Host = "::1"
	assert.Equal(t, "http://[::1]:9000", gatewayURL(cfg))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
