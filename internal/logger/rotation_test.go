package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.log")
	w, err := NewRotatingWriter(path, 1, 0, false)
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}

func TestRotatingWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gw.log")
	w, err := NewRotatingWriter(path, 1, 0, false)
	require.NoError(t, err)
	defer w.Close()
	w.maxSize = 16

	_, err = w.Write([]byte("0123456789\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("abcdefghij\n"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	rolled := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gw.log.") {
			rolled++
		}
	}
	assert.Equal(t, 1, rolled)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij\n", string(data))
}

func TestRotatingWriter_Close(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "gw.log"), 1, 0, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestGzipFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.log.1")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	require.NoError(t, gzipFile(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".gz")
	assert.NoError(t, err)
}

func TestRotatingWriter_Prune(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gw.log")
	old := path + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	w, err := NewRotatingWriter(path, 1, 1, false)
	require.NoError(t, err)
	defer w.Close()
	w.prune()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}
