package gateway

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/agent"
	"github.com/harun/agentgw/pkg/protocol"
	"github.com/harun/agentgw/pkg/store"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

const (
	defaultTranscriptLimit = 100
	maxTranscriptLimit     = 1000
	sessionKeySegments     = 4
)

func (r *Router) handleConnect(ctx context.Context, conn *ConnectionState, req *protocol.Request) (any, *protocol.Error) {
	principal, perr := r.auth.Authenticate(ConnectParams{
		Token:       req.String("token"),
		TenantID:    req.String("tenantId"),
		WorkspaceID: req.String("workspaceId"),
		UserID:      req.String("userId"),
	})
	logger := requestLogger(ctx, r.logger)
	if perr != nil {
		logger.Warn().Str("code", string(perr.Code)).Msg("Connect rejected")
		observability.RecordSecurityAudit(ctx, req.String("tenantId"), "connect", req.String("userId"), "denied",
			map[string]interface{}{"code": string(perr.Code), "conn_id": conn.ID})
		return nil, perr
	}

	conn.bind(principal)
	logger.Info().
		Str("tenant_id", principal.TenantID).
		Str("workspace_id", principal.WorkspaceID).
		Bool("admin", principal.Admin()).
		Msg("Connection authenticated")

	return map[string]any{
		"connectionId": conn.ID,
		"principal":    principal,
		"devMode":      r.auth.DevMode(),
	}, nil
}

// checkSessionKey requires <tenant>/<workspace>/<agent>/<thread> under the principal's scope
func checkSessionKey(p *Principal, key string) *protocol.Error {
	parts := strings.Split(key, "/")
	if len(parts) != sessionKeySegments {
		return protocol.NewError(protocol.CodeInvalidRequest, "sessionKey must be <tenant>/<workspace>/<agent>/<thread>")
	}
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return protocol.NewError(protocol.CodeInvalidRequest, "sessionKey has an empty or relative segment")
		}
	}
	if parts[0] != p.TenantID {
		return protocol.NewError(protocol.CodeTenantScopeMismatch, "session belongs to another tenant")
	}
	if parts[1] != p.WorkspaceID {
		return protocol.NewError(protocol.CodeWorkspaceScopeMismatch, "session belongs to another workspace")
	}
	return nil
}

func checkSessionScope(p *Principal, s *store.Session) *protocol.Error {
	if s.TenantID != p.TenantID {
		return protocol.NewError(protocol.CodeTenantScopeMismatch, "session belongs to another tenant")
	}
	if s.WorkspaceID != p.WorkspaceID {
		return protocol.NewError(protocol.CodeWorkspaceScopeMismatch, "session belongs to another workspace")
	}
	return nil
}

// sessionFor loads the session named by sessionId or sessionKey
func (r *Router) sessionFor(ctx context.Context, p *Principal, req *protocol.Request) (*store.Session, *protocol.Error) {
	var (
		sess *store.Session
		err  error
	)
	switch {
	case req.String("sessionId") != "":
		sess, err = r.store.Sessions.Get(ctx, req.String("sessionId"))
	case req.String("sessionKey") != "":
		if perr := checkSessionKey(p, req.String("sessionKey")); perr != nil {
			return nil, perr
		}
		sess, err = r.store.Sessions.GetByKey(ctx, req.String("sessionKey"))
	default:
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "sessionId or sessionKey is required")
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "session not found")
	}
	if err != nil {
		return nil, r.internal(ctx, "session lookup", err)
	}
	if perr := checkSessionScope(p, sess); perr != nil {
		return nil, perr
	}
	return sess, nil
}

// ensureSession returns the session for sessionKey, creating it on first reference
func (r *Router) ensureSession(ctx context.Context, p *Principal, req *protocol.Request) (*store.Session, bool, *protocol.Error) {
	key := req.String("sessionKey")
	if key == "" {
		sess, perr := r.sessionFor(ctx, p, req)
		return sess, false, perr
	}
	if perr := checkSessionKey(p, key); perr != nil {
		return nil, false, perr
	}

	fresh := store.NewSession(uuid.NewString(), key, p.TenantID, p.WorkspaceID, p.UserID, r.now().UTC())
	sess, created, err := r.store.Sessions.GetOrCreate(ctx, fresh)
	if err != nil {
		return nil, false, r.internal(ctx, "session create", err)
	}
	if created {
		r.updateSessionGauge(ctx)
	}
	return sess, created, nil
}

func (r *Router) updateSessionGauge(ctx context.Context) {
	if n, err := r.store.Sessions.Count(ctx); err == nil {
		observability.SetActiveSessions(n)
	}
}

func (r *Router) handleAgentRun(ctx context.Context, conn *ConnectionState, p *Principal, req *protocol.Request, events *eventLog, cont bool) (any, *protocol.Error) {
	input, ok := req.Params["input"].(string)
	if _, present := req.Params["input"]; present && !ok {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "input must be a string")
	}
	mode := agent.Mode(req.String("mode"))
	if mode != "" && !mode.Valid() {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "mode must be directive or model")
	}

	var (
		sess   *store.Session
		perr   *protocol.Error
		parent string
	)
	if cont {
		sess, perr = r.sessionFor(ctx, p, req)
		if perr == nil {
			parent = sess.LastRunID
		}
	} else {
		sess, _, perr = r.ensureSession(ctx, p, req)
	}
	if perr != nil {
		return nil, perr
	}
	if sess.Archived {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "session %s is archived", sess.ID)
	}

	runID := req.String("runId")
	if runID == "" {
		runID = uuid.NewString()
	}
	if !conn.claimSession(sess.ID, runID) {
		return nil, protocol.NewError(protocol.CodeSessionBusy, "session %s already has a run on this connection", sess.ID).
			WithDetail("sessionId", sess.ID)
	}
	defer conn.releaseSession(sess.ID)

	ctx = tracing.WithRunID(ctx, runID)
	ctx = tracing.WithSessionKey(ctx, sess.SessionKey)

	result, updated, err := r.runner.Run(ctx, agent.RunParams{
		RunID:       runID,
		ParentRunID: parent,
		SessionID:   sess.ID,
		Input:       input,
		Mode:        mode,
		Scope:       toolexecutor.ExecContext{UserID: p.UserID},
	}, func(ev agent.Event) error {
		events.emit(ev.Name, ev.Payload)
		return nil
	})
	if errors.Is(err, agent.ErrSessionArchived) {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "session %s is archived", sess.ID)
	}
	if err != nil {
		return nil, r.internal(ctx, "agent run", err)
	}

	payload := map[string]any{
		"runId":      result.RunID,
		"sessionId":  updated.ID,
		"sessionKey": updated.SessionKey,
		"status":     result.Status,
		"output":     result.Output,
		"toolCalls":  result.ToolCalls,
	}
	if parent != "" {
		payload["parentRunId"] = parent
	}
	if result.Error != nil {
		payload["error"] = result.Error
	}
	return payload, nil
}

func (r *Router) handleAgentAbort(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	runID := strings.TrimSpace(req.String("runId"))
	if runID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "runId is required")
	}
	active, err := r.runner.Abort(runID, agent.RunScope{TenantID: p.TenantID, WorkspaceID: p.WorkspaceID})
	switch {
	case errors.Is(err, agent.ErrRunTenantMismatch):
		return nil, protocol.NewError(protocol.CodeTenantScopeMismatch, "run %s belongs to another tenant", runID)
	case errors.Is(err, agent.ErrRunWorkspaceMismatch):
		return nil, protocol.NewError(protocol.CodeWorkspaceScopeMismatch, "run %s belongs to another workspace", runID)
	case err != nil:
		return nil, r.internal(ctx, "agent abort", err)
	}
	logger := requestLogger(ctx, r.logger)
	logger.Info().Str("run_id", runID).Bool("active", active).Msg("Abort requested")
	return map[string]any{
		"runId":   runID,
		"aborted": active,
		"pending": !active,
	}, nil
}

func (r *Router) handleSessionCreate(ctx context.Context, p *Principal, req *protocol.Request, events *eventLog) (any, *protocol.Error) {
	if req.String("sessionKey") == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "sessionKey is required")
	}
	sess, created, perr := r.ensureSession(ctx, p, req)
	if perr != nil {
		return nil, perr
	}

	if created {
		patch := sessionPatch{mode: store.RuntimeMode(req.String("runtimeMode"))}
		if title := req.String("title"); title != "" {
			patch.title = &title
		}
		if patch.title != nil || patch.mode != "" {
			if perr := patch.validate(); perr != nil {
				return nil, perr
			}
			updated, err := r.store.Sessions.Update(ctx, sess.ID, func(s *store.Session) error {
				patch.apply(s, r.now().UTC())
				return nil
			})
			if err != nil {
				return nil, r.internal(ctx, "session update", err)
			}
			sess = updated
		}
		events.emit(protocol.EventSessionUpdated, map[string]any{"session": sess})
	}
	return map[string]any{"session": sess, "created": created}, nil
}

func (r *Router) handleSessionGet(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	sess, perr := r.sessionFor(ctx, p, req)
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"session": sess}, nil
}

func (r *Router) handleSessionList(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	includeArchived, _ := req.Params["includeArchived"].(bool)
	sessions, err := r.store.Sessions.List(ctx, p.TenantID, p.WorkspaceID, includeArchived)
	if err != nil {
		return nil, r.internal(ctx, "session list", err)
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
}

// sessionPatch holds the mutable fields of session.update
type sessionPatch struct {
	title *string
	mode  store.RuntimeMode
	sync  store.SyncState
}

func (p sessionPatch) validate() *protocol.Error {
	if p.mode != "" && !p.mode.Valid() {
		return protocol.NewError(protocol.CodeInvalidRequest, "runtimeMode must be local or cloud")
	}
	if p.sync != "" && !p.sync.Valid() {
		return protocol.NewError(protocol.CodeInvalidRequest, "syncState must be synced, pending or conflict")
	}
	return nil
}

func (p sessionPatch) apply(s *store.Session, now time.Time) {
	if p.title != nil {
		s.Title = *p.title
	}
	if p.mode != "" {
		s.RuntimeMode = p.mode
	}
	if p.sync != "" {
		s.SyncState = p.sync
	}
	s.UpdatedAt = now
}

func (r *Router) handleSessionUpdate(ctx context.Context, p *Principal, req *protocol.Request, events *eventLog) (any, *protocol.Error) {
	sess, perr := r.sessionFor(ctx, p, req)
	if perr != nil {
		return nil, perr
	}

	var patch sessionPatch
	if raw, present := req.Params["title"]; present {
		title, ok := raw.(string)
		if !ok {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "title must be a string")
		}
		patch.title = &title
	}
	patch.mode = store.RuntimeMode(req.String("runtimeMode"))
	patch.sync = store.SyncState(req.String("syncState"))
	if perr := patch.validate(); perr != nil {
		return nil, perr
	}

	previous := sess.RuntimeMode
	updated, err := r.store.Sessions.Update(ctx, sess.ID, func(s *store.Session) error {
		previous = s.RuntimeMode
		patch.apply(s, r.now().UTC())
		return nil
	})
	if err != nil {
		return nil, r.internal(ctx, "session update", err)
	}

	events.emit(protocol.EventSessionUpdated, map[string]any{"session": updated})
	if updated.RuntimeMode != previous {
		events.emit(protocol.EventModeChanged, map[string]any{
			"sessionId": updated.ID,
			"from":      previous,
			"to":        updated.RuntimeMode,
		})
	}
	return map[string]any{"session": updated}, nil
}

func (r *Router) handleSessionArchive(ctx context.Context, p *Principal, req *protocol.Request, events *eventLog) (any, *protocol.Error) {
	sess, perr := r.sessionFor(ctx, p, req)
	if perr != nil {
		return nil, perr
	}
	updated, err := r.store.Sessions.Update(ctx, sess.ID, func(s *store.Session) error {
		s.Archived = true
		s.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, r.internal(ctx, "session archive", err)
	}
	events.emit(protocol.EventSessionUpdated, map[string]any{"session": updated})
	return map[string]any{"session": updated}, nil
}

func (r *Router) handleTranscriptList(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	sess, perr := r.sessionFor(ctx, p, req)
	if perr != nil {
		return nil, perr
	}
	limit := req.Int("limit", defaultTranscriptLimit)
	if limit <= 0 || limit > maxTranscriptLimit {
		limit = maxTranscriptLimit
	}
	offset := req.Int("offset", 0)
	if offset < 0 {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "offset must not be negative")
	}

	entries, err := r.store.Transcripts.List(ctx, sess.ID, limit, offset)
	if err != nil {
		return nil, r.internal(ctx, "transcript list", err)
	}
	total, err := r.store.Transcripts.Count(ctx, sess.ID)
	if err != nil {
		return nil, r.internal(ctx, "transcript count", err)
	}
	if entries == nil {
		entries = []*store.TranscriptEntry{}
	}
	return map[string]any{"sessionId": sess.ID, "entries": entries, "total": total}, nil
}

func (r *Router) policyScope(p *Principal, req *protocol.Request) store.PolicyScope {
	scopeKey := req.String("scopeKey")
	if scopeKey == "" {
		scopeKey = toolexecutor.DefaultScopeKey
	}
	return store.PolicyScope{TenantID: p.TenantID, WorkspaceID: p.WorkspaceID, ScopeKey: scopeKey}
}

func (r *Router) handlePolicyGet(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	policy, err := r.policies.Get(ctx, r.policyScope(p, req))
	if err != nil {
		return nil, r.internal(ctx, "policy get", err)
	}
	return map[string]any{"policy": policy}, nil
}

func parseDecision(v any) (store.Decision, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	d := store.Decision(s)
	return d, d.Valid()
}

func (r *Router) handlePolicyUpdate(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	scope := r.policyScope(p, req)

	// validate the whole patch before touching the record
	tools := map[string]*store.Decision{}
	for name, raw := range req.Object("tools") {
		if raw == nil {
			tools[name] = nil
			continue
		}
		d, ok := parseDecision(raw)
		if !ok {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "tools.%s must be allow, deny or null", name)
		}
		tools[name] = &d
	}
	if _, present := req.Params["tools"]; present && req.Object("tools") == nil {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "tools must be an object")
	}
	var toolDefault, highRisk store.Decision
	if raw, present := req.Params["toolDefault"]; present {
		d, ok := parseDecision(raw)
		if !ok {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "toolDefault must be allow or deny")
		}
		toolDefault = d
	}
	if raw, present := req.Params["highRisk"]; present {
		d, ok := parseDecision(raw)
		if !ok {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "highRisk must be allow or deny")
		}
		highRisk = d
	}

	updated, err := r.store.Policies.Update(ctx, scope, func(rec *store.PolicyRecord) error {
		if rec.Version == 0 {
			seed := r.policies.Fallback(scope)
			rec.Tools = seed.Tools
			rec.ToolDefault = seed.ToolDefault
			rec.HighRisk = seed.HighRisk
		}
		if rec.Tools == nil {
			rec.Tools = map[string]store.Decision{}
		}
		for name, d := range tools {
			if d == nil {
				delete(rec.Tools, name)
			} else {
				rec.Tools[name] = *d
			}
		}
		if toolDefault != "" {
			rec.ToolDefault = toolDefault
		}
		if highRisk != "" {
			rec.HighRisk = highRisk
		}
		rec.Version++
		rec.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, r.internal(ctx, "policy update", err)
	}

	metadata := map[string]any{
		"scopeKey": scope.ScopeKey,
		"version":  updated.Version,
		"tools":    len(tools),
	}
	observability.RecordPolicyAudit(ctx, p.TenantID, "policy.update", p.UserID, metadata)
	r.appendAudit(ctx, p, "policy.update", "applied", metadata)

	return map[string]any{"policy": updated}, nil
}

func (r *Router) handlePolicyResolve(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	tool := strings.TrimSpace(req.String("tool"))
	if tool == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "tool is required")
	}
	policy, err := r.policies.Get(ctx, r.policyScope(p, req))
	if err != nil {
		return nil, r.internal(ctx, "policy get", err)
	}
	return map[string]any{
		"tool":          tool,
		"decision":      toolexecutor.Resolve(policy, tool),
		"highRisk":      toolexecutor.IsHighRisk(tool),
		"policyVersion": policy.Version,
	}, nil
}

func (r *Router) handleTargetBind(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	sess, perr := r.sessionFor(ctx, p, req)
	if perr != nil {
		return nil, perr
	}

	kind := store.TargetKind(req.String("kind"))
	if !kind.Valid() {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "kind must be local-host or docker-runner")
	}
	endpoint := strings.TrimSpace(req.String("endpoint"))
	if kind == store.TargetDockerRunner {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, protocol.NewError(protocol.CodeInvalidRequest, "docker-runner requires an http(s) endpoint")
		}
	} else {
		endpoint = ""
	}

	target := &store.ExecutionTarget{
		SessionID: sess.ID,
		Kind:      kind,
		Endpoint:  endpoint,
		Token:     req.String("token"),
		UpdatedAt: r.now().UTC(),
	}
	if err := r.store.Targets.Put(ctx, target); err != nil {
		return nil, r.internal(ctx, "target bind", err)
	}

	metadata := map[string]any{"sessionId": sess.ID, "kind": string(kind), "endpoint": endpoint}
	observability.RecordSecurityAudit(ctx, p.TenantID, "target.bind", p.UserID, "applied", metadata)
	r.appendAudit(ctx, p, "target.bind", "applied", metadata)

	out := map[string]any{"target": target}
	if kind == store.TargetDockerRunner {
		out["runner"] = r.runnerStatus(ctx, endpoint, target.Token)
	}
	return out, nil
}

// runnerStatus probes a freshly bound runner. An unreachable runner does not
// undo the binding; calls fail with REMOTE_ERROR until it comes up.
func (r *Router) runnerStatus(ctx context.Context, endpoint, token string) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, runnerProbeTimeout)
	defer cancel()

	health, err := r.probeRunner(ctx, endpoint, token)
	if err != nil {
		logger := requestLogger(ctx, r.logger)
		logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Bound runner is not reachable")
		return map[string]any{"reachable": false, "error": err.Error()}
	}
	return map[string]any{"reachable": health.OK, "usage": health.Usage}
}

func (r *Router) handleTargetGet(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	sess, perr := r.sessionFor(ctx, p, req)
	if perr != nil {
		return nil, perr
	}
	target, err := r.store.Targets.Get(ctx, sess.ID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"target": &store.ExecutionTarget{SessionID: sess.ID, Kind: store.TargetLocalHost}, "bound": false}, nil
	}
	if err != nil {
		return nil, r.internal(ctx, "target get", err)
	}
	return map[string]any{"target": target, "bound": true}, nil
}

// ToolEntry is one row of tools.list
type ToolEntry struct {
	toolexecutor.ToolInfo
	Decision store.Decision `json:"decision"`
}

func (r *Router) handleToolsList(ctx context.Context, p *Principal, req *protocol.Request) (any, *protocol.Error) {
	policy, err := r.policies.Get(ctx, r.policyScope(p, req))
	if err != nil {
		return nil, r.internal(ctx, "policy get", err)
	}
	catalog := r.catalog()
	tools := make([]ToolEntry, 0, len(catalog))
	for _, info := range catalog {
		tools = append(tools, ToolEntry{ToolInfo: info, Decision: toolexecutor.Resolve(policy, info.Name)})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return map[string]any{"tools": tools, "policyVersion": policy.Version}, nil
}

func (r *Router) appendAudit(ctx context.Context, p *Principal, action, status string, metadata map[string]any) {
	actor := p.UserID
	if actor == "" {
		actor = "admin"
	}
	rec := &store.AuditRecord{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		WorkspaceID: p.WorkspaceID,
		Actor:       actor,
		Action:      action,
		Status:      status,
		Metadata:    metadata,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.Audit.Append(ctx, rec); err != nil {
		logger := requestLogger(ctx, r.logger)
		logger.Error().Err(err).Str("action", action).Msg("Failed to append audit record")
	}
}
