package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/sandbox"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

func newMemoryExecutor(t *testing.T) (*toolexecutor.LocalExecutor, string) {
	t.Helper()
	root := t.TempDir()
	exec := toolexecutor.NewLocal(toolexecutor.LocalConfig{Roots: sandbox.Config{DefaultRoot: root}})
	require.NoError(t, RegisterMemoryTools(exec, newTestManager(t, false)))
	return exec, root
}

func TestRegisterMemoryTools(t *testing.T) {
	exec, _ := newMemoryExecutor(t)

	categories := make(map[string]toolexecutor.ToolCategory)
	for _, info := range exec.Catalog() {
		categories[info.Name] = info.Category
	}
	for _, name := range []string{"memory.get", "memory.appendDaily", "memory.search"} {
		require.Contains(t, categories, name)
		assert.Equal(t, toolexecutor.CategoryMemory, categories[name])
	}
}

func TestMemoryTools_GetOutsideSandboxFails(t *testing.T) {
	exec, _ := newMemoryExecutor(t)

	res := exec.Execute(context.Background(), toolexecutor.Call{
		Name: "memory.get",
		Args: map[string]any{"path": "../../etc/passwd"},
	}, toolexecutor.ExecContext{}, nil)

	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, toolexecutor.CodeSandboxViolation, res.Error.Code)
}

func TestMemoryTools_GetMissingDailyIsEmpty(t *testing.T) {
	exec, _ := newMemoryExecutor(t)

	res := exec.Execute(context.Background(), toolexecutor.Call{
		Name: "memory.get",
		Args: map[string]any{"path": "memory/daily/1999-12-31.md"},
	}, toolexecutor.ExecContext{}, nil)
	require.True(t, res.OK, "%+v", res.Error)

	var out GetResult
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	assert.Equal(t, 0, out.TotalLines)
	assert.Equal(t, "", out.Text)
}

func TestMemoryTools_AppendThenSearch(t *testing.T) {
	exec, _ := newMemoryExecutor(t)
	ctx := context.Background()

	res := exec.Execute(ctx, toolexecutor.Call{
		Name: "memory.appendDaily",
		Args: map[string]any{"content": "user likes rust", "includeLongTerm": true},
	}, toolexecutor.ExecContext{}, nil)
	require.True(t, res.OK, "%+v", res.Error)

	res = exec.Execute(ctx, toolexecutor.Call{
		Name: "memory.search",
		Args: map[string]any{"query": "RUST", "maxResults": 5.0},
	}, toolexecutor.ExecContext{}, nil)
	require.True(t, res.OK, "%+v", res.Error)

	var out SearchOutput
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	assert.Equal(t, 2, out.Count)

	res = exec.Execute(ctx, toolexecutor.Call{
		Name: "memory.get",
		Args: map[string]any{"path": "MEMORY.md"},
	}, toolexecutor.ExecContext{}, nil)
	require.True(t, res.OK)

	var got GetResult
	require.NoError(t, json.Unmarshal([]byte(res.Output), &got))
	assert.Equal(t, 1, got.TotalLines)
	assert.Contains(t, got.Text, "user likes rust")
}

func TestMemoryTools_AppendBadDate(t *testing.T) {
	exec, _ := newMemoryExecutor(t)

	res := exec.Execute(context.Background(), toolexecutor.Call{
		Name: "memory.appendDaily",
		Args: map[string]any{"content": "x", "date": "tomorrow"},
	}, toolexecutor.ExecContext{}, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, toolexecutor.CodeInvalidArgs, res.Error.Code)
}
