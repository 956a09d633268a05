package toolexecutor

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/harun/agentgw/pkg/sandbox"
)

// BuiltinOptions supplies the long-lived clients the builtin tools use
type BuiltinOptions struct {
	Shell      *sandbox.HostSandbox
	HTTPClient *http.Client
	// HostRate is the per-host http.request rate in requests per second
	HostRate float64
}

// Registrar is anything tools can be registered with
type Registrar interface {
	RegisterTool(def ToolDefinition) error
}

// RegisterBuiltins registers bash, file, http and the small utility tools
func RegisterBuiltins(r Registrar, opts BuiltinOptions) error {
	shell := opts.Shell
	if shell == nil {
		var err error
		shell, err = sandbox.NewHostSandbox(0, 0)
		if err != nil {
			return err
		}
	}

	defs := []ToolDefinition{}
	defs = append(defs, bashTools(shell)...)
	defs = append(defs, fileTools()...)
	defs = append(defs, httpTools(newHTTPTool(opts.HTTPClient, opts.HostRate))...)
	defs = append(defs, utilityTools()...)

	for _, def := range defs {
		if err := r.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func utilityTools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "math.add",
			Description: "Add two numbers",
			Category:    CategoryGeneral,
			Parameters: []ToolParameter{
				{Name: "a", Type: "number", Description: "First addend", Required: true},
				{Name: "b", Type: "number", Description: "Second addend", Required: true},
			},
			Handler: func(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
				a, _ := ArgFloat(args, "a")
				b, _ := ArgFloat(args, "b")
				return strconv.FormatFloat(a+b, 'f', -1, 64), nil
			},
		},
		{
			Name:        "text.upper",
			Description: "Upper-case text",
			Category:    CategoryGeneral,
			Parameters: []ToolParameter{
				{Name: "text", Type: "string", Description: "Text to convert", Required: true},
			},
			Handler: func(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
				return strings.ToUpper(ArgString(args, "text")), nil
			},
		},
		{
			Name:        "echo",
			Description: "Return text unchanged",
			Category:    CategoryGeneral,
			Parameters: []ToolParameter{
				{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			},
			Handler: func(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
				return ArgString(args, "text"), nil
			},
		},
	}
}
