package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentgw/pkg/sandbox"
	"github.com/harun/agentgw/pkg/store"
)

// ErrorCode classifies a failed tool result
type ErrorCode string

const (
	CodeSandboxViolation ErrorCode = "SANDBOX_VIOLATION"
	CodeInvalidArgs      ErrorCode = "INVALID_ARGS"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeAborted          ErrorCode = "ABORTED"
	CodeExitNonZero      ErrorCode = "EXIT_NONZERO"
	CodeHTTPError        ErrorCode = "HTTP_ERROR"
	CodeUnknownTool      ErrorCode = "UNKNOWN_TOOL"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodePolicyDenied     ErrorCode = "POLICY_DENIED"
	CodeRemoteError      ErrorCode = "REMOTE_ERROR"
	CodeToolExecFailed   ErrorCode = "TOOL_EXEC_FAILED"
)

// Call is one tool invocation
type Call struct {
	ID   string         `json:"toolCallId,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ExecContext carries the run and scope a call executes under
type ExecContext struct {
	RunID       string            `json:"runId"`
	SessionID   string            `json:"sessionId"`
	SessionKey  string            `json:"sessionKey,omitempty"`
	RuntimeMode store.RuntimeMode `json:"runtimeMode"`
	ToolCallID  string            `json:"toolCallId,omitempty"`
	TenantID    string            `json:"tenantId,omitempty"`
	WorkspaceID string            `json:"workspaceId,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	Namespace   sandbox.Namespace `json:"namespace,omitempty"`

	// Root overrides root derivation. Never sent to remote runners.
	Root string `json:"-"`
}

// Scope returns the sandbox scope of the call
func (c ExecContext) Scope() sandbox.Scope {
	return sandbox.Scope{
		Root:        c.Root,
		Namespace:   c.Namespace,
		TenantID:    c.TenantID,
		WorkspaceID: c.WorkspaceID,
		UserID:      c.UserID,
	}
}

// Update is a partial output chunk
type Update struct {
	Delta string    `json:"delta"`
	At    time.Time `json:"at"`
}

// ToolError is the error half of a failed result. Handlers return it to pick a code.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError creates a tool error with a formatted message
func NewToolError(code ErrorCode, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Result is the outcome of one call
type Result struct {
	OK       bool           `json:"ok"`
	Output   string         `json:"output,omitempty"`
	Error    *ToolError     `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Failure builds a failed result
func Failure(code ErrorCode, format string, args ...any) Result {
	return Result{Error: NewToolError(code, format, args...)}
}

// Executor runs tool calls. Implementations send partial output on updates
// (which may be nil) and never close it.
type Executor interface {
	Execute(ctx context.Context, call Call, execCtx ExecContext, updates chan<- Update) Result
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, call Call, execCtx ExecContext, updates chan<- Update) Result

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, call Call, execCtx ExecContext, updates chan<- Update) Result {
	return f(ctx, call, execCtx, updates)
}

// ErrorFrom maps a handler error onto a tool error
func ErrorFrom(ctx context.Context, err error) *ToolError {
	var te *ToolError
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, sandbox.ErrSandboxViolation):
		return &ToolError{Code: CodeSandboxViolation, Message: err.Error()}
	case errors.Is(err, sandbox.ErrUserRequired), errors.Is(err, sandbox.ErrInvalidNamespace):
		return &ToolError{Code: CodeInvalidArgs, Message: err.Error()}
	case errors.Is(err, sandbox.ErrExecutionAborted), errors.Is(err, context.Canceled):
		return &ToolError{Code: CodeAborted, Message: "aborted"}
	case errors.Is(err, sandbox.ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Code: CodeTimeout, Message: err.Error()}
	case ctx != nil && ctx.Err() != nil:
		return &ToolError{Code: CodeAborted, Message: "aborted"}
	default:
		return &ToolError{Code: CodeToolExecFailed, Message: err.Error()}
	}
}

// sendUpdate delivers u unless ctx is done
func sendUpdate(ctx context.Context, updates chan<- Update, u Update) {
	if updates == nil {
		return
	}
	select {
	case updates <- u:
	case <-ctx.Done():
	}
}
