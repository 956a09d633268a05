package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/sandbox"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    ToolCategory    `json:"category"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution. A string result
// is used as the output verbatim; anything else is JSON-encoded.
type ToolHandler func(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error)

// ToolEnv is what a handler sees of its invocation
type ToolEnv struct {
	// Root is the effective sandbox root; it exists when the handler runs
	Root string
	Exec ExecContext

	ctx     context.Context
	updates chan<- Update
	mu      sync.Mutex
	deltas  strings.Builder
}

// Emit streams a partial output chunk to the caller
func (e *ToolEnv) Emit(delta string) {
	if delta == "" {
		return
	}
	e.mu.Lock()
	e.deltas.WriteString(delta)
	e.mu.Unlock()
	sendUpdate(e.ctx, e.updates, Update{Delta: delta, At: time.Now().UTC()})
}

// Resolve confines p to the call's root
func (e *ToolEnv) Resolve(p string) (string, error) {
	return sandbox.Resolve(e.Root, p)
}

func (e *ToolEnv) emitted() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deltas.String()
}

// ToolInfo describes a catalog entry
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    ToolCategory    `json:"category"`
	HighRisk    bool            `json:"highRisk"`
	Parameters  []ToolParameter `json:"parameters"`
}

// LocalConfig configures a LocalExecutor
type LocalConfig struct {
	Roots  sandbox.Config
	Logger *zerolog.Logger
}

// LocalExecutor runs registered tools in-process
type LocalExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	roots   sandbox.Config
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewLocal creates a LocalExecutor with no tools registered
func NewLocal(cfg LocalConfig) *LocalExecutor {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	te := &LocalExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		roots:   cfg.Roots,
		logger:  logger.With().Str("component", "toolexecutor").Logger(),
	}

	te.logger.Info().Msg("Tool executor initialized")

	return te
}

// RegisterTool registers a new tool
func (te *LocalExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := te.generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	if def.Category == "" {
		def.Category = CategoryGeneral
	}
	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Catalog describes every registered tool, sorted by name
func (te *LocalExecutor) Catalog() []ToolInfo {
	te.mu.RLock()
	defer te.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(te.tools))
	for _, def := range te.tools {
		infos = append(infos, ToolInfo{
			Name:        def.Name,
			Description: def.Description,
			Category:    def.Category,
			HighRisk:    IsHighRisk(def.Name),
			Parameters:  def.Parameters,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Execute runs one call against the registered tools
func (te *LocalExecutor) Execute(ctx context.Context, call Call, execCtx ExecContext, updates chan<- Update) Result {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, te.logger).With().Str("tool", call.Name).Logger()

	te.mu.RLock()
	tool := te.tools[call.Name]
	schema := te.schemas[call.Name]
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return Failure(CodeUnknownTool, "unknown tool")
	}

	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}

	if err := te.validateParameters(schema, args); err != nil {
		logger.Debug().Err(err).Msg("Parameter validation failed")
		return Failure(CodeInvalidArgs, "parameter validation failed: %v", err)
	}

	root, err := te.roots.EffectiveRoot(execCtx.Scope())
	if err != nil {
		return Result{Error: ErrorFrom(ctx, err)}
	}
	if err := sandbox.EnsureRoot(root); err != nil {
		return Failure(CodeToolExecFailed, "%v", err)
	}

	ctx, span := tracing.StartSpan(ctx, "agentgw.toolexecutor", "tool.execute",
		attribute.String("tool.name", call.Name),
		attribute.String("run.id", execCtx.RunID),
		attribute.String("session.id", execCtx.SessionID),
	)
	defer span.End()

	env := &ToolEnv{Root: root, Exec: execCtx, ctx: ctx, updates: updates}

	output, err := tool.Handler(ctx, env, args)
	duration := time.Since(startTime)
	observability.RecordToolExecution(call.Name, duration, err == nil)

	if err != nil {
		tracing.FailSpan(span, err)
		toolErr := ErrorFrom(ctx, err)

		logger.Debug().
			Dur("duration", duration).
			Str("code", string(toolErr.Code)).
			Err(err).
			Msg("Tool execution failed")

		return Result{
			Error: toolErr,
			Metadata: map[string]any{
				"durationMs": duration.Milliseconds(),
			},
		}
	}

	text, err := encodeOutput(output)
	if err != nil {
		return Failure(CodeToolExecFailed, "failed to encode output: %v", err)
	}
	if text == "" {
		text = env.emitted()
	}

	logger.Debug().
		Dur("duration", duration).
		Int("output_bytes", len(text)).
		Msg("Tool execution completed")

	return Result{
		OK:     true,
		Output: text,
		Metadata: map[string]any{
			"durationMs": duration.Milliseconds(),
		},
	}
}

func encodeOutput(output interface{}) (string, error) {
	switch v := output.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// validateToolDefinition validates a tool definition
func (te *LocalExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if def.Category != "" && !IsValidCategory(string(def.Category)) {
		return fmt.Errorf("invalid category: %s", def.Category)
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}

		validTypes := map[string]bool{
			"string": true, "number": true, "boolean": true,
			"object": true, "array": true, "integer": true,
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema generates a JSON Schema from tool parameters
func (te *LocalExecutor) generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}

		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	schemaLoader := gojsonschema.NewGoLoader(schemaMap)
	return gojsonschema.NewSchema(schemaLoader)
}

// validateParameters validates parameters against a JSON Schema
func (te *LocalExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, err := range result.Errors() {
			errs = append(errs, err.String())
		}
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
