package protocol

import "fmt"

// ErrorCode is one of the closed set of RPC error codes.
type ErrorCode string

const (
	CodeUnauthorized           ErrorCode = "UNAUTHORIZED"
	CodeAuthRequired           ErrorCode = "AUTH_REQUIRED"
	CodeForbidden              ErrorCode = "FORBIDDEN"
	CodeTenantScopeMismatch    ErrorCode = "TENANT_SCOPE_MISMATCH"
	CodeWorkspaceScopeMismatch ErrorCode = "WORKSPACE_SCOPE_MISMATCH"
	CodeInvalidRequest         ErrorCode = "INVALID_REQUEST"
	CodeMethodNotFound         ErrorCode = "METHOD_NOT_FOUND"
	CodeIdempotencyConflict    ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeSessionBusy            ErrorCode = "SESSION_BUSY"
	CodePolicyDenied           ErrorCode = "POLICY_DENIED"
	CodeModelUnavailable       ErrorCode = "MODEL_UNAVAILABLE"
	CodeToolExecFailed         ErrorCode = "TOOL_EXEC_FAILED"
	CodeInternalError          ErrorCode = "INTERNAL_ERROR"

	// run-level code carried by agent.failed
	CodeAborted ErrorCode = "ABORTED"
)

// Error is a protocol-level failure returned in a response frame.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a protocol error with a formatted message
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns e with one detail attached
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}
