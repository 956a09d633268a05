package toolexecutor

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/harun/agentgw/pkg/store"
)

// RoutingExecutor sends calls to the executor bound to the call's session:
// a docker-runner target goes to a RemoteExecutor, anything else runs locally
type RoutingExecutor struct {
	local   Executor
	targets store.TargetRepository
	client  *http.Client

	mu      sync.Mutex
	remotes map[string]*RemoteExecutor
	tokens  map[string]string
}

// NewRoutingExecutor creates a routing executor. client is shared by every
// remote executor; nil uses a default client.
func NewRoutingExecutor(local Executor, targets store.TargetRepository, client *http.Client) *RoutingExecutor {
	return &RoutingExecutor{
		local:   local,
		targets: targets,
		client:  client,
		remotes: make(map[string]*RemoteExecutor),
		tokens:  make(map[string]string),
	}
}

// Execute routes one call
func (r *RoutingExecutor) Execute(ctx context.Context, call Call, execCtx ExecContext, updates chan<- Update) Result {
	if r.targets == nil || execCtx.SessionID == "" {
		return r.local.Execute(ctx, call, execCtx, updates)
	}

	target, err := r.targets.Get(ctx, execCtx.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return r.local.Execute(ctx, call, execCtx, updates)
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", execCtx.SessionID).Msg("Failed to load execution target")
		return Failure(CodeToolExecFailed, "failed to load execution target")
	}

	if target.Kind != store.TargetDockerRunner {
		return r.local.Execute(ctx, call, execCtx, updates)
	}
	if target.Endpoint == "" {
		return Failure(CodeRemoteError, "execution target has no endpoint")
	}

	return r.remote(target.Endpoint, target.Token).Execute(ctx, call, execCtx, updates)
}

// remote returns the cached executor for endpoint, rebuilding it when the token changed
func (r *RoutingExecutor) remote(endpoint, token string) *RemoteExecutor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rem, ok := r.remotes[endpoint]; ok && r.tokens[endpoint] == token {
		return rem
	}
	rem := NewRemoteExecutor(endpoint, token, r.client)
	r.remotes[endpoint] = rem
	r.tokens[endpoint] = token
	return rem
}
