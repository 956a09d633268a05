package toolexecutor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/store"
	"github.com/harun/agentgw/pkg/store/memstore"
)

func fakeRunner(t *testing.T, token string, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/execute":
			if hits != nil {
				atomic.AddInt32(hits, 1)
			}
			var req RemoteRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			_ = json.NewEncoder(w).Encode(RemoteResponse{
				Updates: []Update{{Delta: "a", At: at}, {Delta: "b", At: at}},
				Result:  Result{OK: true, Output: req.Call.Name + "@" + req.Ctx.SessionID},
			})
		case "/health":
			_ = json.NewEncoder(w).Encode(HealthResponse{OK: true, Usage: HostUsage{CPUPercent: 1}})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestRemoteExecutor(t *testing.T) {
	srv := fakeRunner(t, "secret", nil)
	defer srv.Close()

	rem := NewRemoteExecutor(srv.URL+"/", "secret", nil)
	updates := make(chan Update, 4)
	res := rem.Execute(context.Background(), Call{ID: "c1", Name: "echo", Args: map[string]any{"text": "x"}}, ExecContext{SessionID: "s1", RunID: "r1"}, updates)
	close(updates)

	require.True(t, res.OK, "%+v", res.Error)
	assert.Equal(t, "echo@s1", res.Output)

	var deltas []string
	for u := range updates {
		deltas = append(deltas, u.Delta)
	}
	assert.Equal(t, []string{"a", "b"}, deltas)

	health, err := rem.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.OK)
}

func TestRemoteExecutor_Errors(t *testing.T) {
	srv := fakeRunner(t, "secret", nil)
	defer srv.Close()

	res := NewRemoteExecutor(srv.URL, "wrong", nil).Execute(context.Background(), Call{Name: "echo"}, ExecContext{}, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeRemoteError, res.Error.Code)

	_, err := NewRemoteExecutor(srv.URL, "wrong", nil).Health(context.Background())
	assert.Error(t, err)

	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	res = NewRemoteExecutor(url, "", nil).Execute(context.Background(), Call{Name: "echo"}, ExecContext{}, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeRemoteError, res.Error.Code)
}

func TestRoutingExecutor(t *testing.T) {
	ctx := context.Background()
	var hits int32
	srv := fakeRunner(t, "tok", &hits)
	defer srv.Close()

	localCalls := 0
	local := ExecutorFunc(func(ctx context.Context, call Call, execCtx ExecContext, updates chan<- Update) Result {
		localCalls++
		return Result{OK: true, Output: "local"}
	})
	targets := memstore.NewTargets()
	router := NewRoutingExecutor(local, targets, nil)

	res := router.Execute(ctx, Call{Name: "echo"}, ExecContext{SessionID: "unbound"}, nil)
	assert.Equal(t, "local", res.Output)

	require.NoError(t, targets.Put(ctx, &store.ExecutionTarget{SessionID: "s-local", Kind: store.TargetLocalHost}))
	res = router.Execute(ctx, Call{Name: "echo"}, ExecContext{SessionID: "s-local"}, nil)
	assert.Equal(t, "local", res.Output)

	require.NoError(t, targets.Put(ctx, &store.ExecutionTarget{SessionID: "s-remote", Kind: store.TargetDockerRunner, Endpoint: srv.URL, Token: "tok"}))
	res = router.Execute(ctx, Call{Name: "echo"}, ExecContext{SessionID: "s-remote"}, nil)
	require.True(t, res.OK, "%+v", res.Error)
	assert.Equal(t, "echo@s-remote", res.Output)

	first := router.remote(srv.URL, "tok")
	assert.Same(t, first, router.remote(srv.URL, "tok"))
	assert.NotSame(t, first, router.remote(srv.URL, "other"))

	assert.Equal(t, 2, localCalls)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	require.NoError(t, targets.Put(ctx, &store.ExecutionTarget{SessionID: "s-bad", Kind: store.TargetDockerRunner}))
	res = router.Execute(ctx, Call{Name: "echo"}, ExecContext{SessionID: "s-bad"}, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeRemoteError, res.Error.Code)
}
