package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/agent"
	"github.com/harun/agentgw/pkg/protocol"
	"github.com/harun/agentgw/pkg/store"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

const (
	tracerName            = "agentgw.gateway"
	defaultIdempotencyTTL = 24 * time.Hour
	runnerProbeTimeout    = 3 * time.Second
)

var errPersistRecord = errors.New("idempotency record not persisted")

// Router validates request frames, resolves idempotency and dispatches the
// closed method set. It is safe for concurrent use across connections.
type Router struct {
	store          *store.Store
	runner         *agent.Runner
	policies       *toolexecutor.PolicySource
	catalog        func() []toolexecutor.ToolInfo
	auth           *Authenticator
	idempotencyTTL time.Duration
	probeRunner    RunnerProbe
	flight         singleflight.Group
	logger         zerolog.Logger
	now            func() time.Time
}

// RouterConfig holds router dependencies
type RouterConfig struct {
	Store  *store.Store
	Runner *agent.Runner
	// Policies resolves the policy in force; defaults to one over Store.Policies
	Policies *toolexecutor.PolicySource
	// Catalog lists the tools served to tools.list
	Catalog        func() []toolexecutor.ToolInfo
	Auth           *Authenticator
	IdempotencyTTL time.Duration
	// RunnerProbe checks a docker-runner endpoint on target.bind; defaults to
	// GET /health through a RemoteExecutor
	RunnerProbe RunnerProbe
	Logger      zerolog.Logger
	Now         func() time.Time
}

// RunnerProbe reports the health of a runner endpoint
type RunnerProbe func(ctx context.Context, endpoint, token string) (*toolexecutor.HealthResponse, error)

func probeRunnerHealth(ctx context.Context, endpoint, token string) (*toolexecutor.HealthResponse, error) {
	client := &http.Client{Timeout: runnerProbeTimeout}
	return toolexecutor.NewRemoteExecutor(endpoint, token, client).Health(ctx)
}

// NewRouter creates a router
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	for name, repo := range map[string]any{
		"sessions":    cfg.Store.Sessions,
		"transcripts": cfg.Store.Transcripts,
		"idempotency": cfg.Store.Idempotency,
		"policies":    cfg.Store.Policies,
		"targets":     cfg.Store.Targets,
		"audit":       cfg.Store.Audit,
	} {
		if repo == nil {
			return nil, fmt.Errorf("%s repository is required", name)
		}
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	r := &Router{
		store:          cfg.Store,
		runner:         cfg.Runner,
		policies:       cfg.Policies,
		catalog:        cfg.Catalog,
		auth:           cfg.Auth,
		idempotencyTTL: cfg.IdempotencyTTL,
		probeRunner:    cfg.RunnerProbe,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if r.policies == nil {
		r.policies = toolexecutor.NewPolicySource(cfg.Store.Policies, nil)
	}
	if r.catalog == nil {
		r.catalog = func() []toolexecutor.ToolInfo { return nil }
	}
	if r.idempotencyTTL <= 0 {
		r.idempotencyTTL = defaultIdempotencyTTL
	}
	if r.probeRunner == nil {
		r.probeRunner = probeRunnerHealth
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Outcome is the encoded envelope of one handled request
type Outcome struct {
	Method   protocol.Method
	Envelope []byte
	// Replayed is set when the events were not produced on this call, either
	// from a stored record or from a concurrent identical request.
	Replayed bool
}

// Handle processes one request frame. Checks run in order: frame shape,
// method, auth gate, idempotency key, idempotency lookup, dispatch.
func (r *Router) Handle(ctx context.Context, conn *ConnectionState, raw []byte) *Outcome {
	start := time.Now()
	ctx = withConnID(ctx, conn.ID)
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}

	req, perr := protocol.ParseRequest(raw)
	if perr != nil {
		observability.RecordRPC("invalid", string(perr.Code), time.Since(start))
		return r.failure(req.ID, req.Method, perr)
	}

	ctx = tracing.WithRequestID(ctx, req.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.handle",
		attribute.String("method", string(req.Method)),
		attribute.String("conn_id", conn.ID),
	)
	defer span.End()

	out, code := r.handle(ctx, conn, req)
	if code != "ok" {
		span.SetAttributes(attribute.String("error_code", code))
	}
	observability.RecordRPC(string(req.Method), code, time.Since(start))
	return out
}

func (r *Router) handle(ctx context.Context, conn *ConnectionState, req *protocol.Request) (*Outcome, string) {
	principal := conn.Principal()
	if req.Method != protocol.MethodConnect {
		if principal == nil {
			return r.failure(req.ID, req.Method, protocol.NewError(protocol.CodeUnauthorized, "connect first")), string(protocol.CodeUnauthorized)
		}
		if req.Method.RequiresAdmin() && !principal.Admin() {
			return r.failure(req.ID, req.Method, protocol.NewError(protocol.CodeForbidden, "%s requires the admin scope", req.Method)), string(protocol.CodeForbidden)
		}
		ctx = tracing.WithTenantID(ctx, principal.TenantID)
	}

	key, perr := req.RequireIdempotencyKey()
	if perr != nil {
		return r.failure(req.ID, req.Method, perr), string(perr.Code)
	}

	if !req.Method.SideEffecting() {
		data, code := r.execute(ctx, conn, principal, req)
		return &Outcome{Method: req.Method, Envelope: data}, code
	}
	return r.idempotent(ctx, conn, principal, req, key)
}

// idempotent serves a side-effecting request through the idempotency store.
// Concurrent requests with the same key share one execution.
func (r *Router) idempotent(ctx context.Context, conn *ConnectionState, p *Principal, req *protocol.Request, key string) (*Outcome, string) {
	logger := requestLogger(ctx, r.logger)

	fingerprint, err := protocol.Fingerprint(req.Params)
	if err != nil {
		perr := protocol.NewError(protocol.CodeInvalidRequest, "params cannot be fingerprinted: %v", err)
		return r.failure(req.ID, req.Method, perr), string(perr.Code)
	}
	scope := protocol.IdempotencyScope(p.TenantID, p.WorkspaceID, req.String("sessionKey"))
	recordKey := protocol.IdempotencyRecordKey(req.Method, scope, key)

	rec, err := r.lookup(ctx, recordKey)
	if err != nil {
		logger.Error().Err(err).Str("key", recordKey).Msg("Idempotency lookup failed")
		return r.failure(req.ID, req.Method, protocol.NewError(protocol.CodeInternalError, "idempotency lookup failed")), string(protocol.CodeInternalError)
	}
	if rec != nil {
		return r.replay(req, rec, fingerprint)
	}

	executed := false
	code := "ok"
	v, err, _ := r.flight.Do(recordKey, func() (interface{}, error) {
		if rec, err := r.lookup(ctx, recordKey); err != nil || rec != nil {
			return rec, err
		}
		executed = true

		var data []byte
		data, code = r.execute(ctx, conn, p, req)
		now := r.now().UTC()
		fresh := &store.IdempotencyRecord{
			Key:         recordKey,
			Method:      string(req.Method),
			Fingerprint: fingerprint,
			Result:      data,
			CreatedAt:   now,
			ExpiresAt:   now.Add(r.idempotencyTTL),
		}
		if code != "ok" {
			// failed responses are not remembered; a retry executes again
			return fresh, nil
		}

		err := r.store.Idempotency.Put(context.WithoutCancel(ctx), fresh)
		if err != nil && !errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: %v", errPersistRecord, err)
		}
		conn.commit()
		if err != nil {
			if existing, lerr := r.lookup(ctx, recordKey); lerr == nil && existing != nil {
				return existing, nil
			}
			return fresh, nil
		}
		observability.RecordIdempotency(string(req.Method), "stored")
		return fresh, nil
	})
	if err != nil {
		msg := "idempotency lookup failed"
		if errors.Is(err, errPersistRecord) {
			msg = "idempotency record could not be persisted"
		}
		logger.Error().Err(err).Str("key", recordKey).Msg(msg)
		return r.failure(req.ID, req.Method, protocol.NewError(protocol.CodeInternalError, "%s", msg)), string(protocol.CodeInternalError)
	}

	shared := v.(*store.IdempotencyRecord)
	if executed {
		return &Outcome{Method: req.Method, Envelope: shared.Result}, code
	}
	return r.replay(req, shared, fingerprint)
}

func (r *Router) replay(req *protocol.Request, rec *store.IdempotencyRecord, fingerprint string) (*Outcome, string) {
	if rec.Fingerprint != fingerprint {
		observability.RecordIdempotency(string(req.Method), "conflict")
		perr := protocol.NewError(protocol.CodeIdempotencyConflict, "idempotency key was used with different params")
		return r.failure(req.ID, req.Method, perr), string(perr.Code)
	}
	observability.RecordIdempotency(string(req.Method), "hit")
	return &Outcome{Method: req.Method, Envelope: rec.Result, Replayed: true}, "ok"
}

// lookup returns nil without error for absent records
func (r *Router) lookup(ctx context.Context, key string) (*store.IdempotencyRecord, error) {
	rec, err := r.store.Idempotency.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// execute dispatches req and encodes the envelope. Side-effecting callers
// commit the state version once the response is persisted.
func (r *Router) execute(ctx context.Context, conn *ConnectionState, p *Principal, req *protocol.Request) ([]byte, string) {
	events := newEventLog(conn)

	payload, perr := r.dispatch(ctx, conn, p, req, events)

	env := protocol.Envelope{Events: events.events()}
	code := "ok"
	if perr != nil {
		env.Response = protocol.ErrorResponse(req.ID, perr)
		code = string(perr.Code)
	} else {
		env.Response = protocol.OKResponse(req.ID, payload)
	}

	data, err := env.Marshal()
	if err != nil {
		logger := requestLogger(ctx, r.logger)
		logger.Error().Err(err).Str("method", string(req.Method)).Msg("Failed to encode envelope")
		fallback := protocol.Envelope{Response: protocol.ErrorResponse(req.ID, protocol.NewError(protocol.CodeInternalError, "response encoding failed"))}
		data, _ = fallback.Marshal()
		return data, string(protocol.CodeInternalError)
	}
	return data, code
}

// dispatch is the exhaustive method switch
func (r *Router) dispatch(ctx context.Context, conn *ConnectionState, p *Principal, req *protocol.Request, events *eventLog) (any, *protocol.Error) {
	switch req.Method {
	case protocol.MethodConnect:
		return r.handleConnect(ctx, conn, req)
	case protocol.MethodAgentRun:
		return r.handleAgentRun(ctx, conn, p, req, events, false)
	case protocol.MethodAgentContinue:
		return r.handleAgentRun(ctx, conn, p, req, events, true)
	case protocol.MethodAgentAbort:
		return r.handleAgentAbort(ctx, p, req)
	case protocol.MethodSessionCreate:
		return r.handleSessionCreate(ctx, p, req, events)
	case protocol.MethodSessionGet:
		return r.handleSessionGet(ctx, p, req)
	case protocol.MethodSessionList:
		return r.handleSessionList(ctx, p, req)
	case protocol.MethodSessionUpdate:
		return r.handleSessionUpdate(ctx, p, req, events)
	case protocol.MethodSessionArchive:
		return r.handleSessionArchive(ctx, p, req, events)
	case protocol.MethodTranscriptList:
		return r.handleTranscriptList(ctx, p, req)
	case protocol.MethodPolicyGet:
		return r.handlePolicyGet(ctx, p, req)
	case protocol.MethodPolicyUpdate:
		return r.handlePolicyUpdate(ctx, p, req)
	case protocol.MethodPolicyResolve:
		return r.handlePolicyResolve(ctx, p, req)
	case protocol.MethodTargetBind:
		return r.handleTargetBind(ctx, p, req)
	case protocol.MethodTargetGet:
		return r.handleTargetGet(ctx, p, req)
	case protocol.MethodToolsList:
		return r.handleToolsList(ctx, p, req)
	}
	return nil, protocol.NewError(protocol.CodeMethodNotFound, "unknown method %s", req.Method)
}

func (r *Router) failure(id string, method protocol.Method, perr *protocol.Error) *Outcome {
	env := protocol.Envelope{Response: protocol.ErrorResponse(id, perr)}
	data, err := env.Marshal()
	if err != nil {
		data = []byte(`{"response":{"type":"res","id":"","ok":false,"error":{"code":"INTERNAL_ERROR","message":"response encoding failed"}},"events":[]}`)
	}
	return &Outcome{Method: method, Envelope: data}
}

// internal maps a repository error onto INTERNAL_ERROR and logs it
func (r *Router) internal(ctx context.Context, op string, err error) *protocol.Error {
	logger := requestLogger(ctx, r.logger)
	logger.Error().Err(err).Str("op", op).Msg("Repository operation failed")
	return protocol.NewError(protocol.CodeInternalError, "%s failed", op)
}
