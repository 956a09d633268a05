package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/commandqueue"
	"github.com/harun/agentgw/pkg/store"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

const (
	previewRunes = 120
	titleRunes   = 60

	defaultFlushTimeout = 30 * time.Second
	flushTool           = "memory.appendDaily"
)

// ErrSessionArchived is returned when a run targets an archived session
var ErrSessionArchived = errors.New("session is archived")

// Runner wraps the engine with session bookkeeping: compaction, context usage,
// transcript persistence and the asynchronous memory flush.
type Runner struct {
	engine       *Engine
	sessions     store.SessionRepository
	transcripts  store.TranscriptRepository
	queue        *commandqueue.CommandQueue
	flusher      toolexecutor.Executor
	flushTimeout time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// Config holds runner configuration
type Config struct {
	Engine      *Engine
	Sessions    store.SessionRepository
	Transcripts store.TranscriptRepository
	Queue       *commandqueue.CommandQueue
	// Flusher executes the memory flush tool call; defaults to the engine executor
	Flusher      toolexecutor.Executor
	FlushTimeout time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time
}

// NewRunner creates a new session runner
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session repository is required")
	}
	if cfg.Transcripts == nil {
		return nil, fmt.Errorf("transcript repository is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	r := &Runner{
		engine:       cfg.Engine,
		sessions:     cfg.Sessions,
		transcripts:  cfg.Transcripts,
		queue:        cfg.Queue,
		flusher:      cfg.Flusher,
		flushTimeout: cfg.FlushTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if r.flusher == nil {
		r.flusher = cfg.Engine.executor
	}
	if r.flushTimeout <= 0 {
		r.flushTimeout = defaultFlushTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Engine returns the wrapped engine
func (r *Runner) Engine() *Engine {
	return r.engine
}

// Abort cancels a run by id; see Engine.Abort
func (r *Runner) Abort(runID string, scope RunScope) (bool, error) {
	return r.engine.Abort(runID, scope)
}

// RunParams describes a run on a stored session
type RunParams struct {
	RunID       string
	ParentRunID string
	SessionID   string
	Input       string
	Mode        Mode
	// Scope carries the caller identity and sandbox namespace. Session fields
	// are filled from the stored session.
	Scope toolexecutor.ExecContext
}

// Run prepares the session, runs the engine with every event appended to the
// transcript before it reaches emit, and records the outcome on the session.
// Errors are repository failures; run failures are reported in the result.
func (r *Runner) Run(ctx context.Context, p RunParams, emit Emitter) (*RunResult, *store.Session, error) {
	ctx, span := tracing.StartSpan(ctx, "agentgw.agent", "agent.session_run",
		attribute.String("session_id", p.SessionID),
		attribute.String("run_id", p.RunID),
	)
	defer span.End()

	sess, flush, err := r.prepare(ctx, p)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, nil, err
	}
	if flush {
		r.scheduleFlush(ctx, sess, p.Scope)
	}

	ctx = tracing.WithSessionKey(ctx, sess.SessionKey)
	ctx = tracing.WithTenantID(ctx, sess.TenantID)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	exec := p.Scope
	exec.SessionID = sess.ID
	exec.SessionKey = sess.SessionKey
	exec.RuntimeMode = sess.RuntimeMode
	exec.TenantID = sess.TenantID
	exec.WorkspaceID = sess.WorkspaceID

	record := func(ev Event) error {
		if err := r.appendTranscript(ctx, sess.ID, ev); err != nil {
			return err
		}
		if emit != nil {
			return emit(ev)
		}
		return nil
	}

	result, err := r.engine.Run(ctx, RunRequest{
		RunID:       p.RunID,
		ParentRunID: p.ParentRunID,
		Input:       p.Input,
		Mode:        p.Mode,
		Exec:        exec,
	}, record)
	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().Err(err).Msg("Run aborted by persistence failure")
		return result, sess, err
	}

	sess, flush, err = r.finish(ctx, sess.ID, p, result)
	if err != nil {
		tracing.FailSpan(span, err)
		return result, nil, err
	}
	if flush {
		r.scheduleFlush(ctx, sess, p.Scope)
	}
	return result, sess, nil
}

// prepare compacts a session whose flush finished and accounts for the input
func (r *Runner) prepare(ctx context.Context, p RunParams) (*store.Session, bool, error) {
	flush := false
	sess, err := r.sessions.Update(ctx, p.SessionID, func(s *store.Session) error {
		if s.Archived {
			return ErrSessionArchived
		}
		if s.MemoryFlushState == store.FlushFlushed || s.MemoryFlushState == store.FlushSkipped {
			s.CompactionCount++
			s.ContextUsage = 0
			s.MemoryFlushState = store.FlushIdle
		}
		s.ContextUsage = EstimateContextUsage(s.ContextUsage, p.Input, "")
		if s.Title == "" {
			s.Title = truncateRunes(strings.TrimSpace(p.Input), titleRunes)
		}
		flush = markFlushPending(s)
		s.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("prepare session %s: %w", p.SessionID, err)
	}
	return sess, flush, nil
}

// finish accounts for the output and remembers the run
func (r *Runner) finish(ctx context.Context, sessionID string, p RunParams, result *RunResult) (*store.Session, bool, error) {
	flush := false
	sess, err := r.sessions.Update(ctx, sessionID, func(s *store.Session) error {
		s.ContextUsage = EstimateContextUsage(s.ContextUsage, "", result.Output)
		s.LastRunID = p.RunID
		if result.Output != "" {
			s.Preview = truncateRunes(result.Output, previewRunes)
		}
		flush = markFlushPending(s)
		s.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("finish session %s: %w", sessionID, err)
	}
	return sess, flush, nil
}

func markFlushPending(s *store.Session) bool {
	if s.ContextUsage >= FlushThreshold && s.MemoryFlushState == store.FlushIdle {
		s.MemoryFlushState = store.FlushPending
		return true
	}
	return false
}

func (r *Runner) appendTranscript(ctx context.Context, sessionID string, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Name, err)
	}
	start := time.Now()
	err = r.transcripts.Append(ctx, &store.TranscriptEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		RunID:     ev.RunID,
		Event:     string(ev.Name),
		Payload:   payload,
		CreatedAt: ev.At,
	})
	observability.RecordTranscriptAppend(time.Since(start))
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// scheduleFlush runs memory.appendDaily on the session's flush lane. It never
// blocks the caller and its failure only moves the session to skipped.
func (r *Runner) scheduleFlush(ctx context.Context, sess *store.Session, scope toolexecutor.ExecContext) {
	observability.RecordMemoryFlush(string(store.FlushPending))
	lane := commandqueue.MemoryFlushLane(sess.ID)
	flushCtx := tracing.Detach(ctx)
	logger := tracing.LoggerFromContext(flushCtx, r.logger).With().Str("session_id", sess.ID).Logger()

	exec := scope
	exec.RunID = "flush-" + uuid.NewString()
	exec.SessionID = sess.ID
	exec.SessionKey = sess.SessionKey
	exec.RuntimeMode = sess.RuntimeMode
	exec.TenantID = sess.TenantID
	exec.WorkspaceID = sess.WorkspaceID

	content := fmt.Sprintf("Context checkpoint for %s at %.0f%% usage: %s",
		sess.SessionKey, sess.ContextUsage*100, flushSummary(sess))

	r.queue.EnqueueAsync(flushCtx, lane, func(taskCtx context.Context) (interface{}, error) {
		taskCtx, cancel := context.WithTimeout(taskCtx, r.flushTimeout)
		defer cancel()

		res := r.flusher.Execute(taskCtx, toolexecutor.Call{
			Name: flushTool,
			Args: map[string]any{"content": content},
		}, exec, nil)

		state := store.FlushFlushed
		if !res.OK {
			state = store.FlushSkipped
			msg := "unknown error"
			if res.Error != nil {
				msg = res.Error.Error()
			}
			logger.Warn().Str("error", msg).Msg("Memory flush skipped")
		}

		if err := r.settleFlush(context.WithoutCancel(taskCtx), sess.ID, state); err != nil {
			logger.Error().Err(err).Msg("Failed to record memory flush state")
			return nil, err
		}
		logger.Debug().Str("state", string(state)).Msg("Memory flush settled")
		return state, nil
	})
}

func (r *Runner) settleFlush(ctx context.Context, sessionID string, state store.FlushState) error {
	_, err := r.sessions.Update(ctx, sessionID, func(s *store.Session) error {
		if !s.MemoryFlushState.CanTransition(state) {
			return fmt.Errorf("flush state %s cannot move to %s", s.MemoryFlushState, state)
		}
		s.MemoryFlushState = state
		s.UpdatedAt = r.now().UTC()
		return nil
	})
	if err == nil {
		observability.RecordMemoryFlush(string(state))
	}
	return err
}

func flushSummary(s *store.Session) string {
	parts := []string{}
	if s.Title != "" {
		parts = append(parts, s.Title)
	}
	if s.Preview != "" && s.Preview != s.Title {
		parts = append(parts, s.Preview)
	}
	if len(parts) == 0 {
		return "(no preview)"
	}
	return strings.ReplaceAll(strings.Join(parts, " | "), "\n", " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
