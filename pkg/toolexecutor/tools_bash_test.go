//go:build unix

package toolexecutor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBashExec_StreamsAndSucceeds(t *testing.T) {
	te, root := newTestExecutor(t)
	updates := make(chan Update, 64)

	res := te.Execute(context.Background(), Call{Name: "bash.exec", Args: map[string]any{"cmd": "echo one; echo two"}}, rootCtx(root), updates)
	close(updates)

	require.True(t, res.OK, "%+v", res.Error)
	assert.Equal(t, "one\ntwo\n", res.Output)

	var streamed strings.Builder
	for u := range updates {
		streamed.WriteString(u.Delta)
	}
	assert.Equal(t, res.Output, streamed.String())
}

func TestBashExec_Cwd(t *testing.T) {
	te, root := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))

	res := te.Execute(context.Background(), Call{Name: "bash.exec", Args: map[string]any{"cmd": "pwd", "cwd": "sub"}}, rootCtx(root), nil)
	require.True(t, res.OK)
	assert.Contains(t, res.Output, "sub")

	res = te.Execute(context.Background(), Call{Name: "bash.exec", Args: map[string]any{"cmd": "pwd", "cwd": "../"}}, rootCtx(root), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeSandboxViolation, res.Error.Code)

	res = te.Execute(context.Background(), Call{Name: "bash.exec", Args: map[string]any{"cmd": "pwd", "cwd": "missing"}}, rootCtx(root), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInvalidArgs, res.Error.Code)
}

func TestBashExec_NonZeroExit(t *testing.T) {
	te, root := newTestExecutor(t)

	res := te.Execute(context.Background(), Call{Name: "bash.exec", Args: map[string]any{"cmd": "echo boom >&2; exit 7"}}, rootCtx(root), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeExitNonZero, res.Error.Code)
	assert.Contains(t, res.Error.Message, "7")
	assert.Contains(t, res.Error.Message, "boom")
}

func TestBashExec_Timeout(t *testing.T) {
	te, root := newTestExecutor(t)

	res := te.Execute(context.Background(), Call{Name: "bash.exec", Args: map[string]any{"cmd": "sleep 5", "timeoutMs": 100.0}}, rootCtx(root), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeTimeout, res.Error.Code)
}

func TestBashExec_Abort(t *testing.T) {
	te, root := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := te.Execute(ctx, Call{Name: "bash.exec", Args: map[string]any{"cmd": "sleep 5"}}, rootCtx(root), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeAborted, res.Error.Code)
}
