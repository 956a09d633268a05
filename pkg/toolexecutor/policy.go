package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/store"
)

// DefaultScopeKey is the policy scope consulted for tool calls
const DefaultScopeKey = "default"

// DefaultPolicy allows ordinary tools and denies high-risk ones
func DefaultPolicy() *store.PolicyRecord {
	return &store.PolicyRecord{
		Tools:       map[string]store.Decision{},
		ToolDefault: store.Allow,
		HighRisk:    store.Deny,
	}
}

// Resolve returns the decision for tool under p: a per-tool override first,
// then the high-risk decision for high-risk tools, then the default.
func Resolve(p *store.PolicyRecord, tool string) store.Decision {
	if p == nil {
		p = DefaultPolicy()
	}
	if d, ok := p.Tools[tool]; ok && d.Valid() {
		return d
	}
	if IsHighRisk(tool) && p.HighRisk.Valid() {
		return p.HighRisk
	}
	if p.ToolDefault.Valid() {
		return p.ToolDefault
	}
	return store.Allow
}

// PolicyResolver returns the policy in force for a workspace
type PolicyResolver interface {
	Policy(ctx context.Context, tenantID, workspaceID string) (*store.PolicyRecord, error)
}

// PolicySource reads the default-scope policy from a repository and falls
// back to a configured record when none has been stored
type PolicySource struct {
	repo     store.PolicyRepository
	fallback *store.PolicyRecord
}

// NewPolicySource creates a PolicySource. A nil fallback uses DefaultPolicy.
func NewPolicySource(repo store.PolicyRepository, fallback *store.PolicyRecord) *PolicySource {
	if fallback == nil {
		fallback = DefaultPolicy()
	}
	return &PolicySource{repo: repo, fallback: fallback.Clone()}
}

// Fallback returns a copy of the configured fallback for scope
func (s *PolicySource) Fallback(scope store.PolicyScope) *store.PolicyRecord {
	p := s.fallback.Clone()
	p.PolicyScope = scope
	p.Version = 0
	return p
}

// Get returns the stored policy for scope, or the fallback
func (s *PolicySource) Get(ctx context.Context, scope store.PolicyScope) (*store.PolicyRecord, error) {
	if scope.ScopeKey == "" {
		scope.ScopeKey = DefaultScopeKey
	}
	if s.repo == nil {
		return s.Fallback(scope), nil
	}
	p, err := s.repo.Get(ctx, scope)
	if errors.Is(err, store.ErrNotFound) {
		return s.Fallback(scope), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return p, nil
}

// Policy implements PolicyResolver
func (s *PolicySource) Policy(ctx context.Context, tenantID, workspaceID string) (*store.PolicyRecord, error) {
	return s.Get(ctx, store.PolicyScope{TenantID: tenantID, WorkspaceID: workspaceID, ScopeKey: DefaultScopeKey})
}

// PolicyExecutor gates an inner executor with the policy of the call's workspace
type PolicyExecutor struct {
	inner    Executor
	policies PolicyResolver
	audit    store.AuditRepository
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPolicyExecutor wraps inner. audit may be nil.
func NewPolicyExecutor(inner Executor, policies PolicyResolver, audit store.AuditRepository) *PolicyExecutor {
	return &PolicyExecutor{
		inner:    inner,
		policies: policies,
		audit:    audit,
		logger:   log.Logger.With().Str("component", "policy").Logger(),
		now:      time.Now,
	}
}

// Execute resolves the decision and either denies or delegates
func (p *PolicyExecutor) Execute(ctx context.Context, call Call, execCtx ExecContext, updates chan<- Update) Result {
	logger := tracing.LoggerFromContext(ctx, p.logger)

	policy, err := p.policies.Policy(ctx, execCtx.TenantID, execCtx.WorkspaceID)
	if err != nil {
		logger.Error().Err(err).Str("tool", call.Name).Msg("Policy lookup failed")
		return Failure(CodeToolExecFailed, "policy lookup failed")
	}

	if Resolve(policy, call.Name) == store.Allow {
		return p.inner.Execute(ctx, call, execCtx, updates)
	}

	logger.Warn().
		Str("tool", call.Name).
		Str("tenant_id", execCtx.TenantID).
		Str("workspace_id", execCtx.WorkspaceID).
		Msg("Tool execution blocked by policy")

	observability.RecordPolicyDenial(call.Name)

	actor := execCtx.UserID
	if actor == "" {
		actor = "agent"
	}
	metadata := map[string]any{
		"tool":          call.Name,
		"runId":         execCtx.RunID,
		"sessionId":     execCtx.SessionID,
		"toolCallId":    execCtx.ToolCallID,
		"policyVersion": policy.Version,
	}
	observability.RecordToolAudit(ctx, execCtx.TenantID, call.Name, actor, "denied", metadata)

	if p.audit != nil {
		rec := &store.AuditRecord{
			ID:          uuid.NewString(),
			TenantID:    execCtx.TenantID,
			WorkspaceID: execCtx.WorkspaceID,
			Actor:       actor,
			Action:      "tool.denied",
			Status:      "denied",
			Metadata:    metadata,
			CreatedAt:   p.now().UTC(),
		}
		if err := p.audit.Append(ctx, rec); err != nil {
			logger.Error().Err(err).Msg("Failed to append audit record")
		}
	}

	return Result{
		Error:    NewToolError(CodePolicyDenied, "tool %s denied by policy", call.Name),
		Metadata: map[string]any{"decision": string(store.Deny)},
	}
}
