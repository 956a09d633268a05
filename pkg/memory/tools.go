package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/agentgw/pkg/toolexecutor"
)

// GetParams defines parameters for memory.get
type GetParams struct {
	Path  string `json:"path,omitempty"`
	From  int    `json:"from,omitempty"`
	Lines int    `json:"lines,omitempty"`
}

// AppendDailyParams defines parameters for memory.appendDaily
type AppendDailyParams struct {
	Content         string `json:"content"`
	Date            string `json:"date,omitempty"`
	IncludeLongTerm bool   `json:"includeLongTerm,omitempty"`
}

// SearchParams defines parameters for memory.search
type SearchParams struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// SearchOutput is the output of memory.search
type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// MemoryGet reads a note window under root
func MemoryGet(ctx context.Context, manager *Manager, root string, params GetParams) (*GetResult, error) {
	return manager.Get(ctx, root, params.Path, params.From, params.Lines)
}

// MemoryAppendDaily appends to the daily note under root
func MemoryAppendDaily(ctx context.Context, manager *Manager, root string, params AppendDailyParams) (*AppendResult, error) {
	return manager.AppendDaily(ctx, root, params.Content, params.Date, params.IncludeLongTerm)
}

// MemorySearch searches the notes under root
func MemorySearch(ctx context.Context, manager *Manager, root string, params SearchParams) (*SearchOutput, error) {
	results, err := manager.Search(ctx, root, params.Query, params.MaxResults)
	if err != nil {
		return nil, err
	}
	return &SearchOutput{Query: params.Query, Results: results, Count: len(results)}, nil
}

func decodeParams(args map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(jsonData, out); err != nil {
		return toolexecutor.NewToolError(toolexecutor.CodeInvalidArgs, "failed to unmarshal params: %v", err)
	}
	return nil
}
