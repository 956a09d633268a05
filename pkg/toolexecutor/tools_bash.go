package toolexecutor

import (
	"context"
	"os"
	"time"

	"github.com/harun/agentgw/pkg/sandbox"
)

func bashTools(shell *sandbox.HostSandbox) []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "bash.exec",
			Description: "Run a shell command inside the sandbox root, streaming its output",
			Category:    CategoryShell,
			Parameters: []ToolParameter{
				{Name: "cmd", Type: "string", Description: "Command line passed to /bin/sh -c", Required: true},
				{Name: "cwd", Type: "string", Description: "Working directory relative to the sandbox root"},
				{Name: "timeoutMs", Type: "integer", Description: "Timeout in milliseconds (default 30000, max 600000)"},
			},
			Handler: func(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
				return runBash(ctx, shell, env, args)
			},
		},
	}
}

func runBash(ctx context.Context, shell *sandbox.HostSandbox, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
	cmd := ArgString(args, "cmd")
	if cmd == "" {
		return nil, NewToolError(CodeInvalidArgs, "cmd is required")
	}

	timeoutMs := ArgInt(args, "timeoutMs", 0)
	if timeoutMs < 0 {
		return nil, NewToolError(CodeInvalidArgs, "timeoutMs must be >= 0")
	}

	dir := env.Root
	if cwd := ArgString(args, "cwd"); cwd != "" {
		resolved, err := env.Resolve(cwd)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			return nil, NewToolError(CodeInvalidArgs, "cwd is not a directory: %s", cwd)
		}
		dir = resolved
	}

	res, err := shell.Exec(ctx, sandbox.ExecRequest{
		Command: cmd,
		Dir:     dir,
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
	}, func(chunk []byte) {
		env.Emit(string(chunk))
	})
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 {
		return nil, NewToolError(CodeExitNonZero, "exit code %d\n%s", res.ExitCode, res.Tail())
	}

	return string(res.Output), nil
}
