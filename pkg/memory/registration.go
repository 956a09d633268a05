package memory

import (
	"context"
	"fmt"

	"github.com/harun/agentgw/pkg/toolexecutor"
)

// RegisterMemoryTools registers memory.get, memory.appendDaily and memory.search
func RegisterMemoryTools(executor toolexecutor.Registrar, manager *Manager) error {
	tools := []toolexecutor.ToolDefinition{
		{
			Name:        "memory.get",
			Description: "Read the long-term memory note or a daily note, optionally a line window",
			Category:    toolexecutor.CategoryMemory,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "path", Type: "string", Description: "MEMORY.md (default) or memory/daily/YYYY-MM-DD.md"},
				{Name: "from", Type: "integer", Description: "First line, 1-based"},
				{Name: "lines", Type: "integer", Description: "Number of lines (default all)"},
			},
			Handler: func(ctx context.Context, env *toolexecutor.ToolEnv, params map[string]interface{}) (interface{}, error) {
				var p GetParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return MemoryGet(ctx, manager, env.Root, p)
			},
		},
		{
			Name:        "memory.appendDaily",
			Description: "Append a timestamped bullet to a daily memory note",
			Category:    toolexecutor.CategoryMemory,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "content", Type: "string", Description: "Text of the bullet", Required: true},
				{Name: "date", Type: "string", Description: "YYYY-MM-DD (default today, UTC)"},
				{Name: "includeLongTerm", Type: "boolean", Description: "Also append to MEMORY.md"},
			},
			Handler: func(ctx context.Context, env *toolexecutor.ToolEnv, params map[string]interface{}) (interface{}, error) {
				var p AppendDailyParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return MemoryAppendDaily(ctx, manager, env.Root, p)
			},
		},
		{
			Name:        "memory.search",
			Description: "Case-insensitive keyword search across memory notes",
			Category:    toolexecutor.CategoryMemory,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "Search terms", Required: true},
				{Name: "maxResults", Type: "integer", Description: "Maximum results (default 10, max 50)"},
			},
			Handler: func(ctx context.Context, env *toolexecutor.ToolEnv, params map[string]interface{}) (interface{}, error) {
				var p SearchParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return MemorySearch(ctx, manager, env.Root, p)
			},
		},
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}

	return nil
}
