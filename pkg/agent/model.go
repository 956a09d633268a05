package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/agentgw/pkg/toolexecutor"
)

// ErrNoAPIKey is returned by NewModelClient when a provider is configured without a key
var ErrNoAPIKey = errors.New("model provider configured without api key")

// ModelClient generates one assistant turn. It is the only way the engine
// talks to an LLM provider.
type ModelClient interface {
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)

	// Provider returns the provider name
	Provider() string
}

// ModelRequest contains the request parameters for one model turn
type ModelRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	MaxTokens    int
	Temperature  float64
}

// ModelResponse contains the response of one model turn
type ModelResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ToolSpec is a tool offered to the model
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]interface{}
	Required    []string
}

// Schema returns the JSON schema object of the tool input
func (s ToolSpec) Schema() map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": s.Properties,
	}
	if len(s.Required) > 0 {
		schema["required"] = s.Required
	}
	return schema
}

// ToolSpecs converts catalog entries into model tool specs
func ToolSpecs(catalog []toolexecutor.ToolInfo) []ToolSpec {
	specs := make([]ToolSpec, 0, len(catalog))
	for _, info := range catalog {
		spec := ToolSpec{
			Name:        info.Name,
			Description: info.Description,
			Properties:  make(map[string]interface{}, len(info.Parameters)),
		}
		for _, p := range info.Parameters {
			spec.Properties[p.Name] = map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				spec.Required = append(spec.Required, p.Name)
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// Provider APIs only accept [a-zA-Z0-9_-] in tool names.
func wireToolName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}

func fromWireToolName(name string) string {
	return strings.ReplaceAll(name, "__", ".")
}

// ModelConfig selects and configures a provider
type ModelConfig struct {
	Provider  string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// NewModelClient creates the configured provider client. Provider "none" or
// "" yields a nil client, which makes model-mode runs fail MODEL_UNAVAILABLE.
func NewModelClient(cfg ModelConfig) (ModelClient, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "anthropic", "openai":
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Provider, ErrNoAPIKey)
	}

	if cfg.Provider == "anthropic" {
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	}
	return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL), nil
}
