package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/protocol"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

const (
	// DefaultMaxTurns bounds the model-driven loop
	DefaultMaxTurns = 8

	defaultMaxRetries = 3
	updateBuffer      = 64
)

// EngineConfig holds engine dependencies
type EngineConfig struct {
	Executor toolexecutor.Executor
	// Model may be nil; model-mode runs then fail MODEL_UNAVAILABLE
	Model        ModelClient
	ModelName    string
	MaxTokens    int
	SystemPrompt string
	Tools        []ToolSpec
	MaxTurns     int
	MaxRetries   int
	// RetryBackoff is the first retry delay; it doubles per attempt
	RetryBackoff time.Duration
	Aborts       *AbortRegistry
	Logger       *zerolog.Logger
}

// Engine drives runs from input to a terminal event
type Engine struct {
	executor     toolexecutor.Executor
	model        ModelClient
	modelName    string
	maxTokens    int
	systemPrompt string
	tools        []ToolSpec
	maxTurns     int
	maxRetries   int
	backoff      time.Duration
	aborts       *AbortRegistry
	logger       zerolog.Logger
}

// NewEngine creates an engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	e := &Engine{
		executor:     cfg.Executor,
		model:        cfg.Model,
		modelName:    cfg.ModelName,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		tools:        cfg.Tools,
		maxTurns:     cfg.MaxTurns,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.RetryBackoff,
		aborts:       cfg.Aborts,
		logger:       logger.With().Str("component", "agent").Logger(),
	}
	if e.maxTurns <= 0 {
		e.maxTurns = DefaultMaxTurns
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxRetries
	}
	if e.backoff <= 0 {
		e.backoff = time.Second
	}
	if e.aborts == nil {
		e.aborts = NewAbortRegistry()
	}
	return e, nil
}

// Abort cancels runID for a caller in scope, or records the abort until a
// run with that id starts in the same scope. It reports whether the run was
// active.
func (e *Engine) Abort(runID string, scope RunScope) (bool, error) {
	active, err := e.aborts.Abort(runID, scope)
	if err != nil {
		e.logger.Warn().Str("run_id", runID).Str("tenant_id", scope.TenantID).Err(err).Msg("Run abort rejected")
		return false, err
	}
	e.logger.Info().Str("run_id", runID).Bool("active", active).Msg("Run abort requested")
	return active, nil
}

// PurgePendingAborts drops aborts whose run never started
func (e *Engine) PurgePendingAborts() int {
	return e.aborts.PurgeExpired()
}

// PendingAborts returns the number of aborts waiting for their run
func (e *Engine) PendingAborts() int {
	return e.aborts.Pending()
}

// ActiveRuns returns the number of runs in flight
func (e *Engine) ActiveRuns() int {
	return e.aborts.Count()
}

// Active reports whether runID is running
func (e *Engine) Active(runID string) bool {
	return e.aborts.Active(runID)
}

// errEmit marks an emitter failure; the run stops and Run returns the cause
type errEmit struct{ err error }

func (e *errEmit) Error() string { return "emit: " + e.err.Error() }
func (e *errEmit) Unwrap() error { return e.err }

// run is the state of one executing run
type run struct {
	req      RunRequest
	emit     Emitter
	parts    []string
	calls    int
	callIDs  map[string]struct{}
	emitErr  error
	finished bool
}

func (r *run) send(name protocol.EventName, payload map[string]any) error {
	if r.emitErr != nil {
		return r.emitErr
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["runId"] = r.req.RunID
	err := r.emit(Event{Name: name, RunID: r.req.RunID, Payload: payload, At: time.Now().UTC()})
	if err != nil {
		r.emitErr = &errEmit{err: err}
		return r.emitErr
	}
	return nil
}

// Run executes req, delivering events to emit. The returned error is non-nil
// only when emit failed; tool and model failures end the run with a failed
// event and a StatusFailed result.
func (e *Engine) Run(ctx context.Context, req RunRequest, emit Emitter) (*RunResult, error) {
	if req.Mode == "" {
		req.Mode = ModeDirective
	}

	ctx = tracing.WithRunID(ctx, req.RunID)
	ctx = tracing.WithSessionKey(ctx, req.Exec.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"agentgw.agent",
		"agent.run",
		attribute.String("run_id", req.RunID),
		attribute.String("mode", string(req.Mode)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	abortedEarly := e.aborts.Register(req.RunID, RunScope{
		TenantID:    req.Exec.TenantID,
		WorkspaceID: req.Exec.WorkspaceID,
		SessionID:   req.Exec.SessionID,
	}, cancel)
	defer func() {
		e.aborts.Unregister(req.RunID)
		observability.SetActiveRuns(e.aborts.Count())
	}()
	observability.SetActiveRuns(e.aborts.Count())
	if abortedEarly {
		cancel()
	}

	start := time.Now()
	r := &run{req: req, emit: emit, callIDs: make(map[string]struct{})}

	result := e.execute(runCtx, r)

	observability.RecordAgentRun(string(req.Mode), string(result.Status), time.Since(start))
	if r.emitErr != nil {
		tracing.FailSpan(span, r.emitErr)
		logger.Error().Err(r.emitErr).Msg("Run stopped: event delivery failed")
		return result, errors.Unwrap(r.emitErr)
	}
	if result.Error != nil {
		span.SetAttributes(attribute.String("error_code", string(result.Error.Code)))
	}
	logger.Info().
		Str("status", string(result.Status)).
		Int("tool_calls", result.ToolCalls).
		Dur("duration", time.Since(start)).
		Msg("Run finished")
	return result, nil
}

func (e *Engine) execute(ctx context.Context, r *run) *RunResult {
	accepted := map[string]any{
		"sessionId":   r.req.Exec.SessionID,
		"sessionKey":  r.req.Exec.SessionKey,
		"runtimeMode": r.req.Exec.RuntimeMode,
		"mode":        r.req.Mode,
	}
	if r.req.ParentRunID != "" {
		accepted["parentRunId"] = r.req.ParentRunID
	}
	if err := r.send(protocol.EventAccepted, accepted); err != nil {
		return e.fail(r, protocol.CodeInternalError, err.Error(), "")
	}

	if ctx.Err() != nil {
		return e.fail(r, protocol.CodeAborted, "run aborted", "")
	}

	switch r.req.Mode {
	case ModeDirective:
		return e.runDirectives(ctx, r)
	case ModeModel:
		return e.runModel(ctx, r)
	default:
		return e.fail(r, protocol.CodeInvalidRequest, fmt.Sprintf("unknown mode %q", r.req.Mode), "")
	}
}

func (e *Engine) runDirectives(ctx context.Context, r *run) *RunResult {
	directives, text, err := ParseDirectives(r.req.Input)
	if err != nil {
		return e.fail(r, protocol.CodeInvalidRequest, err.Error(), "")
	}

	if text != "" {
		r.parts = append(r.parts, text)
		if err := r.send(protocol.EventDelta, map[string]any{"text": text}); err != nil {
			return e.fail(r, protocol.CodeInternalError, err.Error(), "")
		}
	}

	for _, d := range directives {
		if ctx.Err() != nil {
			return e.fail(r, protocol.CodeAborted, "run aborted", "")
		}

		res, callID, failed := e.invokeTool(ctx, r, "", d.Name, d.RawArgs, d.Args)
		if failed != nil {
			return failed
		}
		r.parts = append(r.parts, d.Name+": "+res.Output)

		if ctx.Err() != nil {
			return e.fail(r, protocol.CodeAborted, "run aborted", callID)
		}
	}

	output := strings.Join(r.parts, "\n")
	if strings.TrimSpace(r.req.Input) == "" {
		output = EmptyInputOutput
	}
	return e.complete(r, output)
}

func (e *Engine) runModel(ctx context.Context, r *run) *RunResult {
	if e.model == nil {
		return e.fail(r, protocol.CodeModelUnavailable, "no model client configured", "")
	}

	messages := []Message{{Role: "user", Content: r.req.Input}}

	for turn := 0; turn < e.maxTurns; turn++ {
		if ctx.Err() != nil {
			return e.fail(r, protocol.CodeAborted, "run aborted", "")
		}

		resp, err := e.generate(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return e.fail(r, protocol.CodeAborted, "run aborted", "")
			}
			return e.fail(r, protocol.CodeModelUnavailable, err.Error(), "")
		}

		if resp.Content != "" {
			r.parts = append(r.parts, resp.Content)
			if err := r.send(protocol.EventDelta, map[string]any{"text": resp.Content}); err != nil {
				return e.fail(r, protocol.CodeInternalError, err.Error(), "")
			}
		}

		if len(resp.ToolCalls) == 0 {
			return e.complete(r, strings.Join(r.parts, "\n"))
		}

		assistant := Message{Role: "assistant", Content: resp.Content}
		var results []Message
		for _, tc := range resp.ToolCalls {
			if ctx.Err() != nil {
				return e.fail(r, protocol.CodeAborted, "run aborted", "")
			}

			rawArgs, err := encodeArgs(tc.Args)
			if err != nil {
				return e.fail(r, protocol.CodeInvalidRequest, err.Error(), "")
			}
			res, callID, failed := e.invokeTool(ctx, r, tc.ID, tc.Name, rawArgs, tc.Args)
			if failed != nil {
				return failed
			}
			r.parts = append(r.parts, tc.Name+": "+res.Output)

			assistant.ToolCalls = append(assistant.ToolCalls, ToolCall{ID: callID, Name: tc.Name, Args: tc.Args})
			results = append(results, Message{Role: "tool", Content: res.Output, ToolCallID: callID})
		}
		messages = append(messages, assistant)
		messages = append(messages, results...)
	}

	return e.fail(r, protocol.CodeInternalError, fmt.Sprintf("model did not finish within %d turns", e.maxTurns), "")
}

// generate calls the model, retrying transient failures with exponential backoff
func (e *Engine) generate(ctx context.Context, messages []Message) (*ModelResponse, error) {
	req := ModelRequest{
		Model:        e.modelName,
		SystemPrompt: e.systemPrompt,
		Messages:     messages,
		Tools:        e.tools,
		MaxTokens:    e.maxTokens,
	}

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		resp, err := e.model.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == e.maxRetries-1 {
			break
		}

		delay := e.backoff * time.Duration(1<<attempt)
		e.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model call after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%s: %w", e.model.Provider(), lastErr)
}

// invokeTool runs one tool cycle. On failure it returns the terminal result.
func (e *Engine) invokeTool(ctx context.Context, r *run, callID, name, rawArgs string, args map[string]interface{}) (toolexecutor.Result, string, *RunResult) {
	callID = r.uniqueCallID(callID)
	r.calls++

	if err := r.send(protocol.EventToolCallStart, map[string]any{"toolCallId": callID, "name": name}); err != nil {
		return toolexecutor.Result{}, callID, e.fail(r, protocol.CodeInternalError, err.Error(), callID)
	}
	if err := r.send(protocol.EventToolCallDelta, map[string]any{"toolCallId": callID, "delta": rawArgs}); err != nil {
		return toolexecutor.Result{}, callID, e.fail(r, protocol.CodeInternalError, err.Error(), callID)
	}
	if err := r.send(protocol.EventToolCall, map[string]any{"toolCallId": callID, "name": name, "args": args}); err != nil {
		return toolexecutor.Result{}, callID, e.fail(r, protocol.CodeInternalError, err.Error(), callID)
	}
	if err := r.send(protocol.EventToolResultStart, map[string]any{"toolCallId": callID}); err != nil {
		return toolexecutor.Result{}, callID, e.fail(r, protocol.CodeInternalError, err.Error(), callID)
	}

	res, streamed := e.executeStreaming(ctx, r, toolexecutor.Call{ID: callID, Name: name, Args: args})
	if r.emitErr != nil {
		return res, callID, e.fail(r, protocol.CodeInternalError, r.emitErr.Error(), callID)
	}
	if res.OK && res.Output == "" {
		res.Output = streamed
	}

	payload := map[string]any{"toolCallId": callID, "name": name, "ok": res.OK, "output": res.Output}
	if res.Error != nil {
		payload["error"] = res.Error
	}
	if len(res.Metadata) > 0 {
		payload["metadata"] = res.Metadata
	}
	if err := r.send(protocol.EventToolResult, payload); err != nil {
		return res, callID, e.fail(r, protocol.CodeInternalError, err.Error(), callID)
	}

	if !res.OK {
		code := protocol.CodeToolExecFailed
		message := "tool execution failed"
		if res.Error != nil {
			code = protocol.ErrorCode(res.Error.Code)
			message = res.Error.Message
		}
		if ctx.Err() != nil {
			code = protocol.CodeAborted
		}
		return res, callID, e.fail(r, code, message, callID)
	}
	return res, callID, nil
}

// executeStreaming calls the executor and forwards its updates as
// tool_result_delta events, in order, until the result arrives.
func (e *Engine) executeStreaming(ctx context.Context, r *run, call toolexecutor.Call) (toolexecutor.Result, string) {
	execCtx := r.req.Exec
	execCtx.RunID = r.req.RunID
	execCtx.ToolCallID = call.ID

	toolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan toolexecutor.Update, updateBuffer)
	done := make(chan toolexecutor.Result, 1)
	go func() {
		done <- e.executor.Execute(toolCtx, call, execCtx, updates)
	}()

	var streamed strings.Builder
	forward := func(u toolexecutor.Update) {
		streamed.WriteString(u.Delta)
		if r.emitErr != nil {
			return
		}
		at := u.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		err := r.send(protocol.EventToolResultDelta, map[string]any{
			"toolCallId": call.ID,
			"delta":      u.Delta,
			"at":         at,
		})
		if err != nil {
			cancel()
		}
	}

	for {
		select {
		case u := <-updates:
			forward(u)
		case res := <-done:
			// Execute has returned, so every update it sent is buffered.
			for {
				select {
				case u := <-updates:
					forward(u)
				default:
					return res, streamed.String()
				}
			}
		}
	}
}

func (r *run) uniqueCallID(id string) string {
	if id != "" {
		if _, dup := r.callIDs[id]; !dup {
			r.callIDs[id] = struct{}{}
			return id
		}
	}
	for {
		generated, err := gonanoid.New()
		if err != nil {
			generated = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		generated = "call_" + generated
		if _, dup := r.callIDs[generated]; !dup {
			r.callIDs[generated] = struct{}{}
			return generated
		}
	}
}

func (e *Engine) complete(r *run, output string) *RunResult {
	result := &RunResult{RunID: r.req.RunID, Status: StatusCompleted, Output: output, ToolCalls: r.calls}
	if err := r.send(protocol.EventCompleted, map[string]any{"output": output}); err != nil {
		result.Status = StatusFailed
		result.Error = protocol.NewError(protocol.CodeInternalError, "%v", err)
	}
	r.finished = true
	return result
}

// fail emits the terminal failed event. Once the emitter has failed no more
// events are attempted.
func (e *Engine) fail(r *run, code protocol.ErrorCode, message, toolCallID string) *RunResult {
	result := &RunResult{
		RunID:     r.req.RunID,
		Status:    StatusFailed,
		Output:    strings.Join(r.parts, "\n"),
		Error:     protocol.NewError(code, "%s", message),
		ToolCalls: r.calls,
	}
	if r.finished {
		return result
	}
	r.finished = true

	payload := map[string]any{"code": code, "message": message}
	if toolCallID != "" {
		payload["toolCallId"] = toolCallID
		result.Error.WithDetail("toolCallId", toolCallID)
	}
	_ = r.send(protocol.EventFailed, payload)
	return result
}
