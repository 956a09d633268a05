package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/harun/agentgw/pkg/sandbox"
)

const (
	defaultReadBytes = 256 * 1024
	maxReadBytes     = 8 * 1024 * 1024
	defaultListLimit = 200
	maxListLimit     = 1000
)

// FileEntry is one file.list result
type FileEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// FileListing is the output of file.list
type FileListing struct {
	Path      string      `json:"path"`
	Entries   []FileEntry `json:"entries"`
	Truncated bool        `json:"truncated"`
}

func fileTools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "file.read",
			Description: "Read a file under the sandbox root",
			Category:    CategoryRead,
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "File path relative to the sandbox root", Required: true},
				{Name: "maxBytes", Type: "integer", Description: "Maximum bytes to read (default 262144)"},
			},
			Handler: readFile,
		},
		{
			Name:        "file.write",
			Description: "Write or append to a file under the sandbox root, creating parent directories",
			Category:    CategoryWrite,
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "File path relative to the sandbox root", Required: true},
				{Name: "content", Type: "string", Description: "Content to write", Required: true},
				{Name: "append", Type: "boolean", Description: "Append instead of truncating"},
			},
			Handler: writeFile,
		},
		{
			Name:        "file.list",
			Description: "List a directory under the sandbox root, directories first",
			Category:    CategoryRead,
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "Directory relative to the sandbox root (default root)"},
				{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories"},
				{Name: "limit", Type: "integer", Description: "Maximum entries (default 200, max 1000)"},
			},
			Handler: listFiles,
		},
	}
}

func readFile(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
	path := ArgString(args, "path")
	if path == "" {
		return nil, NewToolError(CodeInvalidArgs, "path is required")
	}
	maxBytes := clampInt(ArgInt(args, "maxBytes", 0), defaultReadBytes, maxReadBytes)

	resolved, err := env.Resolve(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewToolError(CodeToolExecFailed, "file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, NewToolError(CodeInvalidArgs, "path is a directory: %s", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

func writeFile(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
	path := ArgString(args, "path")
	if path == "" {
		return nil, NewToolError(CodeInvalidArgs, "path is required")
	}
	content := ArgString(args, "content")
	appendMode := ArgBool(args, "append")

	resolved, err := env.Resolve(path)
	if err != nil {
		return nil, err
	}
	if resolved == env.Root {
		return nil, NewToolError(CodeInvalidArgs, "path must name a file")
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(resolved, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	n, werr := f.WriteString(content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, fmt.Errorf("failed to write file: %w", werr)
	}

	verb := "wrote"
	if appendMode {
		verb = "appended"
	}
	return fmt.Sprintf("%s %d bytes to %s", verb, n, sandbox.Rel(env.Root, resolved)), nil
}

func listFiles(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
	path := ArgString(args, "path")
	if path == "" {
		path = "."
	}
	limit := clampInt(ArgInt(args, "limit", 0), defaultListLimit, maxListLimit)
	recursive := ArgBool(args, "recursive")

	dir, err := env.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewToolError(CodeToolExecFailed, "directory not found: %s", path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, NewToolError(CodeInvalidArgs, "path is not a directory: %s", path)
	}

	var entries []FileEntry
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == dir {
			return nil
		}

		entry := FileEntry{Path: sandbox.Rel(env.Root, p), Type: "file"}
		if d.IsDir() {
			entry.Type = "dir"
		} else if d.Type()&fs.ModeSymlink != 0 {
			entry.Type = "symlink"
		} else if fi, err := d.Info(); err == nil {
			entry.Size = fi.Size()
		}
		entries = append(entries, entry)
		// one past the limit is enough to know the listing is truncated
		if len(entries) > limit {
			return fs.SkipAll
		}

		if d.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Slice(entries, func(i, j int) bool {
		di, dj := entries[i].Type == "dir", entries[j].Type == "dir"
		if di != dj {
			return di
		}
		return entries[i].Path < entries[j].Path
	})

	listing := FileListing{Path: sandbox.Rel(env.Root, dir), Entries: entries}
	if len(entries) > limit {
		listing.Entries = entries[:limit]
		listing.Truncated = true
	}
	if listing.Entries == nil {
		listing.Entries = []FileEntry{}
	}
	return listing, nil
}
