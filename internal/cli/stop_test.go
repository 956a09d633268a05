package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		path := writeConfig(t, nil)
		output, err := execute(t, "--config", path, "stop")
		require.NoError(t, err)
		assert.Contains(t, output, "Daemon is not running")
	})

	t.Run("stale pid file", func(t *testing.T) {
		path := writeConfig(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "agentgw.pid"), []byte("not-a-pid"), 0644))
		output, err := execute(t, "--config", path, "stop")
		require.NoError(t, err)
		assert.Contains(t, output, "Daemon is not running")
	})

	// flags stick to the command between executions, so --help goes last
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Stop the agentgw daemon")
		assert.Contains(t, output, "timeout")
	})
}

func TestIsRunning(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, isRunning(filepath.Join(dir, "missing.pid")))
}
