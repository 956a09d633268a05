package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/protocol"
	"github.com/harun/agentgw/pkg/sandbox"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

func newTestExecutor(t *testing.T) *toolexecutor.LocalExecutor {
	t.Helper()

	logger := zerolog.Nop()
	local := toolexecutor.NewLocal(toolexecutor.LocalConfig{
		Roots:  sandbox.Config{DefaultRoot: t.TempDir()},
		Logger: &logger,
	})
	require.NoError(t, toolexecutor.RegisterBuiltins(local, toolexecutor.BuiltinOptions{}))

	require.NoError(t, local.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "test.stream",
		Description: "Streams two chunks and returns nothing",
		Category:    toolexecutor.CategoryGeneral,
		Handler: func(ctx context.Context, env *toolexecutor.ToolEnv, args map[string]interface{}) (interface{}, error) {
			env.Emit("a")
			env.Emit("b")
			return "", nil
		},
	}))
	require.NoError(t, local.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "test.block",
		Description: "Blocks until cancelled",
		Category:    toolexecutor.CategoryGeneral,
		Handler: func(ctx context.Context, env *toolexecutor.ToolEnv, args map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	return local
}

func newTestEngine(t *testing.T, model ModelClient) *Engine {
	t.Helper()

	logger := zerolog.Nop()
	engine, err := NewEngine(EngineConfig{
		Executor:     newTestExecutor(t),
		Model:        model,
		ModelName:    "test-model",
		MaxRetries:   1,
		RetryBackoff: 1,
		Logger:       &logger,
	})
	require.NoError(t, err)
	return engine
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	hook   func(ev Event)
}

func (r *recorder) emit(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (r *recorder) names() []protocol.EventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]protocol.EventName, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}

func (r *recorder) find(name protocol.EventName) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func runInput(t *testing.T, engine *Engine, runID, input string, rec *recorder) *RunResult {
	t.Helper()
	result, err := engine.Run(context.Background(), RunRequest{
		RunID: runID,
		Input: input,
		Exec:  toolexecutor.ExecContext{SessionID: "s1", SessionKey: "t1/w1/a/x"},
	}, rec.emit)
	require.NoError(t, err)
	return result
}

func assertRunShape(t *testing.T, rec *recorder) {
	t.Helper()
	names := rec.names()
	require.NotEmpty(t, names)

	assert.Equal(t, protocol.EventAccepted, names[0])
	assert.True(t, names[len(names)-1].Terminal(), "last event must be terminal, got %s", names[len(names)-1])

	accepted, terminal := 0, 0
	for _, n := range names {
		if n == protocol.EventAccepted {
			accepted++
		}
		if n.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, terminal)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	open := map[string]bool{}
	for _, ev := range rec.events {
		id, _ := ev.Payload["toolCallId"].(string)
		switch ev.Name {
		case protocol.EventToolCallStart:
			assert.False(t, open[id], "duplicate tool call id %s", id)
			open[id] = true
		case protocol.EventToolResult:
			assert.True(t, open[id], "tool_result without start for %s", id)
			delete(open, id)
		}
	}
	if names[len(names)-1] == protocol.EventCompleted {
		assert.Empty(t, open, "completed run left tool calls without results")
	}
}

func TestEngine_MathAddEndToEnd(t *testing.T) {
	engine := newTestEngine(t, nil)
	rec := &recorder{}

	result := runInput(t, engine, "run-1", `sum [[tool:math.add {"a":2,"b":3}]]`, rec)

	assert.Equal(t, []protocol.EventName{
		protocol.EventAccepted,
		protocol.EventDelta,
		protocol.EventToolCallStart,
		protocol.EventToolCallDelta,
		protocol.EventToolCall,
		protocol.EventToolResultStart,
		protocol.EventToolResult,
		protocol.EventCompleted,
	}, rec.names())
	assertRunShape(t, rec)

	calls := rec.find(protocol.EventToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "math.add", calls[0].Payload["name"])

	results := rec.find(protocol.EventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0].Payload["ok"])
	assert.Equal(t, "5", results[0].Payload["output"])

	deltas := rec.find(protocol.EventToolCallDelta)
	require.Len(t, deltas, 1)
	assert.JSONEq(t, `{"a":2,"b":3}`, deltas[0].Payload["delta"].(string))

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "sum\nmath.add: 5", result.Output)
	assert.Contains(t, rec.find(protocol.EventCompleted)[0].Payload["output"], "5")
	assert.Equal(t, 1, result.ToolCalls)

	for _, ev := range rec.find(protocol.EventToolCallStart) {
		assert.Equal(t, "run-1", ev.Payload["runId"])
	}
}

func TestEngine_MultipleDirectives(t *testing.T) {
	engine := newTestEngine(t, nil)
	rec := &recorder{}

	result := runInput(t, engine, "run-2", `[[tool:text.upper {"text":"hi"}]] then [[tool:echo {"text":"x"}]]`, rec)

	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "text.upper: HI\necho: x", result.Output)
	assert.Empty(t, rec.find(protocol.EventDelta), "text between directives is not emitted")
	assert.Len(t, rec.find(protocol.EventToolCallStart), 2)
	assertRunShape(t, rec)
}

func TestEngine_EmptyInput(t *testing.T) {
	engine := newTestEngine(t, nil)
	rec := &recorder{}

	result := runInput(t, engine, "run-3", "   ", rec)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, EmptyInputOutput, result.Output)
	assert.Equal(t, []protocol.EventName{protocol.EventAccepted, protocol.EventCompleted}, rec.names())
}

func TestEngine_MalformedDirectiveFailsAfterAccepted(t *testing.T) {
	engine := newTestEngine(t, nil)

	for _, input := range []string{
		`[[tool:math.add {"a":2,]]`,
		`[[tool: {"a":1}]]`,
		`[[tool:echo [1,2]]]`,
		`text [[tool:echo {"text":"x"}`,
	} {
		rec := &recorder{}
		result := runInput(t, engine, "bad-"+input, input, rec)

		assert.Equal(t, []protocol.EventName{protocol.EventAccepted, protocol.EventFailed}, rec.names(), input)
		require.NotNil(t, result.Error)
		assert.Equal(t, protocol.CodeInvalidRequest, result.Error.Code, input)
		assert.Equal(t, protocol.CodeInvalidRequest, rec.find(protocol.EventFailed)[0].Payload["code"])
	}
}

func TestEngine_ToolFailureEndsRun(t *testing.T) {
	engine := newTestEngine(t, nil)
	rec := &recorder{}

	result := runInput(t, engine, "run-4", `[[tool:nope {}]] [[tool:echo {"text":"never"}]]`, rec)

	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.ErrorCode(toolexecutor.CodeUnknownTool), result.Error.Code)

	failed := rec.find(protocol.EventFailed)
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].Payload["toolCallId"])
	assert.Len(t, rec.find(protocol.EventToolCallStart), 1)

	res := rec.find(protocol.EventToolResult)
	require.Len(t, res, 1)
	assert.Equal(t, false, res[0].Payload["ok"])
	assertRunShape(t, rec)
}

func TestEngine_StreamedOutputFallback(t *testing.T) {
	engine := newTestEngine(t, nil)
	rec := &recorder{}

	result := runInput(t, engine, "run-5", `[[tool:test.stream]]`, rec)

	require.Equal(t, StatusCompleted, result.Status)
	deltas := rec.find(protocol.EventToolResultDelta)
	require.Len(t, deltas, 2)
	assert.Equal(t, "a", deltas[0].Payload["delta"])
	assert.Equal(t, "b", deltas[1].Payload["delta"])
	assert.Equal(t, "ab", rec.find(protocol.EventToolResult)[0].Payload["output"])
	assert.Equal(t, "test.stream: ab", result.Output)
}

func TestEngine_AbortAfterAccepted(t *testing.T) {
	engine := newTestEngine(t, nil)
	rec := &recorder{}
	rec.hook = func(ev Event) {
		if ev.Name == protocol.EventAccepted {
			active, err := engine.Abort(ev.RunID, RunScope{})
			assert.NoError(t, err)
			assert.True(t, active)
		}
	}

	result := runInput(t, engine, "run-6", `[[tool:math.add {"a":1,"b":1}]]`, rec)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, protocol.CodeAborted, result.Error.Code)
	assert.Empty(t, rec.find(protocol.EventToolCallStart))
	assert.Equal(t, []protocol.EventName{protocol.EventAccepted, protocol.EventFailed}, rec.names())
	assert.False(t, engine.Active("run-6"))
}

func TestEngine_PendingAbortConsumedAtStart(t *testing.T) {
	engine := newTestEngine(t, nil)

	active, err := engine.Abort("run-7", RunScope{})
	require.NoError(t, err)
	assert.False(t, active, "unknown run is recorded as pending")
	assert.Equal(t, 1, engine.aborts.Pending())

	rec := &recorder{}
	result := runInput(t, engine, "run-7", `hello [[tool:echo {"text":"x"}]]`, rec)

	assert.Equal(t, protocol.CodeAborted, result.Error.Code)
	assert.Equal(t, []protocol.EventName{protocol.EventAccepted, protocol.EventFailed}, rec.names())
	assert.Equal(t, 0, engine.aborts.Pending())

	// The marker is consumed; a second run with the same id is not aborted.
	rec = &recorder{}
	result = runInput(t, engine, "run-7", `hello`, rec)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestEngine_PurgePendingAborts(t *testing.T) {
	engine := newTestEngine(t, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	engine.aborts.now = func() time.Time { return now }

	_, err := engine.Abort("never-started", RunScope{TenantID: "t1", WorkspaceID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.PendingAborts())
	assert.Equal(t, 0, engine.PurgePendingAborts())

	now = now.Add(DefaultPendingAbortTTL + time.Second)
	assert.Equal(t, 1, engine.PurgePendingAborts())
	assert.Equal(t, 0, engine.PendingAborts())
	assert.Equal(t, 0, engine.ActiveRuns())
}

func TestEngine_AbortDuringTool(t *testing.T) {
	engine := newTestEngine(t, nil)
	rec := &recorder{}
	rec.hook = func(ev Event) {
		if ev.Name == protocol.EventToolResultStart {
			go engine.Abort(ev.RunID, RunScope{})
		}
	}

	result := runInput(t, engine, "run-8", `[[tool:test.block]] [[tool:echo {"text":"never"}]]`, rec)

	assert.Equal(t, protocol.CodeAborted, result.Error.Code)
	assert.Len(t, rec.find(protocol.EventToolCallStart), 1)
	assertRunShape(t, rec)
}

func TestEngine_EmitterErrorStopsRun(t *testing.T) {
	engine := newTestEngine(t, nil)
	boom := errors.New("disk full")

	calls := 0
	_, err := engine.Run(context.Background(), RunRequest{RunID: "run-9", Input: `[[tool:echo {"text":"x"}]]`},
		func(ev Event) error {
			calls++
			if ev.Name == protocol.EventToolCall {
				return boom
			}
			return nil
		})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls, "no events after the failing one")
}

type scriptedModel struct {
	mu        sync.Mutex
	responses []*ModelResponse
	errs      []error
	requests  []ModelRequest
}

func (m *scriptedModel) Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.responses) == 0 {
		return &ModelResponse{Content: "again"}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Provider() string { return "scripted" }

func TestEngine_ModelUnavailable(t *testing.T) {
	engine := newTestEngine(t, nil)
	rec := &recorder{}

	result, err := engine.Run(context.Background(), RunRequest{RunID: "m-1", Input: "hi", Mode: ModeModel}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, protocol.CodeModelUnavailable, result.Error.Code)
	assert.Equal(t, []protocol.EventName{protocol.EventAccepted, protocol.EventFailed}, rec.names())
}

func TestEngine_ModelToolLoop(t *testing.T) {
	model := &scriptedModel{responses: []*ModelResponse{
		{Content: "adding", ToolCalls: []ToolCall{{ID: "tu_1", Name: "math.add", Args: map[string]interface{}{"a": 2.0, "b": 3.0}}}},
		{Content: "the sum is 5"},
	}}
	engine := newTestEngine(t, model)
	rec := &recorder{}

	result, err := engine.Run(context.Background(), RunRequest{RunID: "m-2", Input: "add 2 and 3", Mode: ModeModel}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "adding\nmath.add: 5\nthe sum is 5", result.Output)
	assertRunShape(t, rec)

	start := rec.find(protocol.EventToolCallStart)
	require.Len(t, start, 1)
	assert.Equal(t, "tu_1", start[0].Payload["toolCallId"])

	require.Len(t, model.requests, 2)
	second := model.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "assistant", second[1].Role)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "5", second[2].Content)
	assert.Equal(t, "tu_1", second[2].ToolCallID)
}

func TestEngine_ModelTurnLimit(t *testing.T) {
	loop := make([]*ModelResponse, 0, DefaultMaxTurns)
	for i := 0; i < DefaultMaxTurns; i++ {
		loop = append(loop, &ModelResponse{ToolCalls: []ToolCall{{Name: "echo", Args: map[string]interface{}{"text": "x"}}}})
	}
	engine := newTestEngine(t, &scriptedModel{responses: loop})
	rec := &recorder{}

	result, err := engine.Run(context.Background(), RunRequest{RunID: "m-3", Input: "loop", Mode: ModeModel}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, protocol.CodeInternalError, result.Error.Code)
	assert.Len(t, rec.find(protocol.EventToolCallStart), DefaultMaxTurns)
	assertRunShape(t, rec)
}

func TestEngine_ModelErrorIsUnavailable(t *testing.T) {
	engine := newTestEngine(t, &scriptedModel{errs: []error{errors.New("invalid api key")}})
	rec := &recorder{}

	result, err := engine.Run(context.Background(), RunRequest{RunID: "m-4", Input: "hi", Mode: ModeModel}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeModelUnavailable, result.Error.Code)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("status 429: Rate limit reached")))
	assert.True(t, IsRetryableError(errors.New("503 Service Unavailable")))
	assert.False(t, IsRetryableError(errors.New("invalid api key")))
}
