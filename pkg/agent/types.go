package agent

import (
	"strings"
	"time"

	"github.com/harun/agentgw/pkg/protocol"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

// Mode selects how a run decides which tools to call
type Mode string

const (
	// ModeDirective executes [[tool:NAME {...}]] directives embedded in the input
	ModeDirective Mode = "directive"
	// ModeModel lets the configured ModelClient request tool calls
	ModeModel Mode = "model"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeDirective || m == ModeModel
}

// Status is the terminal state of a run
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EmptyInputOutput is the completed output of a run whose input was empty
const EmptyInputOutput = "(empty input)"

// Event is one emitted run event, before sequencing
type Event struct {
	Name    protocol.EventName
	RunID   string
	Payload map[string]any
	At      time.Time
}

// Emitter receives run events in order. An error stops the run.
type Emitter func(ev Event) error

// RunRequest describes one run of the engine
type RunRequest struct {
	RunID       string
	ParentRunID string
	Input       string
	Mode        Mode

	// Exec carries the session and sandbox scope of every tool call.
	// ToolCallID is filled per call.
	Exec toolexecutor.ExecContext
}

// RunResult is the outcome of a run
type RunResult struct {
	RunID     string          `json:"runId"`
	Status    Status          `json:"status"`
	Output    string          `json:"output,omitempty"`
	Error     *protocol.Error `json:"error,omitempty"`
	ToolCalls int             `json:"toolCalls"`
}

// ToolCall is a tool invocation requested by a model
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Message is one entry of a model conversation
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// IsRetryableError checks if a provider error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset",
		"429", "rate limit",
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
