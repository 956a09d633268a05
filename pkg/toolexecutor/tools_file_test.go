package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTools_WriteReadAppend(t *testing.T) {
	te, root := newTestExecutor(t)
	ctx := context.Background()

	res := te.Execute(ctx, Call{Name: "file.write", Args: map[string]any{"path": "notes/a.txt", "content": "hello"}}, rootCtx(root), nil)
	require.True(t, res.OK, "%+v", res.Error)
	assert.Contains(t, res.Output, "notes/a.txt")

	res = te.Execute(ctx, Call{Name: "file.write", Args: map[string]any{"path": "notes/a.txt", "content": " world", "append": true}}, rootCtx(root), nil)
	require.True(t, res.OK)

	res = te.Execute(ctx, Call{Name: "file.read", Args: map[string]any{"path": "notes/a.txt"}}, rootCtx(root), nil)
	require.True(t, res.OK)
	assert.Equal(t, "hello world", res.Output)

	res = te.Execute(ctx, Call{Name: "file.read", Args: map[string]any{"path": "notes/a.txt", "maxBytes": 5.0}}, rootCtx(root), nil)
	require.True(t, res.OK)
	assert.Equal(t, "hello", res.Output)
}

func TestFileTools_Traversal(t *testing.T) {
	te, root := newTestExecutor(t)
	ctx := context.Background()
	outside := filepath.Join(filepath.Dir(root), "outside-"+filepath.Base(root)+".txt")

	calls := []Call{
		{Name: "file.read", Args: map[string]any{"path": "../x"}},
		{Name: "file.write", Args: map[string]any{"path": "../../evil.txt", "content": "x"}},
		{Name: "file.write", Args: map[string]any{"path": outside, "content": "x"}},
		{Name: "file.list", Args: map[string]any{"path": "sub/../../"}},
	}

	for _, call := range calls {
		t.Run(call.Name, func(t *testing.T) {
			res := te.Execute(ctx, call, rootCtx(root), nil)
			assert.False(t, res.OK)
			require.NotNil(t, res.Error)
			assert.Equal(t, CodeSandboxViolation, res.Error.Code)
		})
	}
	assert.NoFileExists(t, outside)
}

func TestFileTools_SymlinkEscape(t *testing.T) {
	te, root := newTestExecutor(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0644))
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	res := te.Execute(context.Background(), Call{Name: "file.read", Args: map[string]any{"path": "link/secret"}}, rootCtx(root), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeSandboxViolation, res.Error.Code)
}

func TestFileTools_ReadErrors(t *testing.T) {
	te, root := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0755))

	res := te.Execute(context.Background(), Call{Name: "file.read", Args: map[string]any{"path": "missing.txt"}}, rootCtx(root), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeToolExecFailed, res.Error.Code)

	res = te.Execute(context.Background(), Call{Name: "file.read", Args: map[string]any{"path": "dir"}}, rootCtx(root), nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInvalidArgs, res.Error.Code)
}

func TestFileTools_List(t *testing.T) {
	te, root := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b-dir", "inner"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aa"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b-dir", "c.txt"), []byte("c"), 0644))

	res := te.Execute(context.Background(), Call{Name: "file.list"}, rootCtx(root), nil)
	require.True(t, res.OK, "%+v", res.Error)

	var listing FileListing
	require.NoError(t, json.Unmarshal([]byte(res.Output), &listing))
	require.Len(t, listing.Entries, 2)
	assert.Equal(t, FileEntry{Path: "b-dir", Type: "dir"}, listing.Entries[0])
	assert.Equal(t, FileEntry{Path: "a.txt", Type: "file", Size: 2}, listing.Entries[1])

	res = te.Execute(context.Background(), Call{Name: "file.list", Args: map[string]any{"recursive": true}}, rootCtx(root), nil)
	require.True(t, res.OK)
	require.NoError(t, json.Unmarshal([]byte(res.Output), &listing))
	paths := []string{}
	for _, e := range listing.Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"b-dir", "b-dir/inner", "a.txt", "b-dir/c.txt"}, paths)
}

func TestFileTools_ListLimit(t *testing.T) {
	te, root := newTestExecutor(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, fmt.Sprintf("f%d", i)), nil, 0644))
	}

	res := te.Execute(context.Background(), Call{Name: "file.list", Args: map[string]any{"limit": 3.0}}, rootCtx(root), nil)
	require.True(t, res.OK)

	var listing FileListing
	require.NoError(t, json.Unmarshal([]byte(res.Output), &listing))
	assert.Len(t, listing.Entries, 3)
	assert.True(t, listing.Truncated)
	assert.True(t, strings.HasPrefix(listing.Entries[0].Path, "f"))
}

func TestFileTools_ListStopsWalkingAtLimit(t *testing.T) {
	te, root := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "z-dir"), 0755))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "a", fmt.Sprintf("f%d", i)), nil, 0644))
	}

	res := te.Execute(context.Background(), Call{Name: "file.list", Args: map[string]any{"recursive": true, "limit": 3.0}}, rootCtx(root), nil)
	require.True(t, res.OK, "%+v", res.Error)

	var listing FileListing
	require.NoError(t, json.Unmarshal([]byte(res.Output), &listing))
	assert.True(t, listing.Truncated)
	paths := []string{}
	for _, e := range listing.Entries {
		paths = append(paths, e.Path)
	}
	// z-dir sorts after everything under a/ in walk order and is never reached
	assert.Equal(t, []string{"a", "a/f0", "a/f1"}, paths)
}
