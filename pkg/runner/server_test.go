package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/internal/metrics"
	"github.com/harun/agentgw/pkg/sandbox"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

type runnerFixture struct {
	server  *Server
	ts      *httptest.Server
	base    string
	metrics *metrics.Metrics
}

func setupTestRunner(t *testing.T, token string) *runnerFixture {
	t.Helper()

	logger := zerolog.Nop()
	base := t.TempDir()
	local := toolexecutor.NewLocal(toolexecutor.LocalConfig{
		Roots:  sandbox.Config{BaseRoot: base, DefaultRoot: filepath.Join(base, "default")},
		Logger: &logger,
	})
	require.NoError(t, toolexecutor.RegisterBuiltins(local, toolexecutor.BuiltinOptions{}))

	m := metrics.NewMetrics()
	srv, err := NewServer(Config{
		Token:    token,
		Executor: local,
		Probe: UsageProbeFunc(func(ctx context.Context) (toolexecutor.HostUsage, error) {
			return toolexecutor.HostUsage{CPUPercent: 12.5, MemoryPercent: 40, DiskPercent: 70}, nil
		}),
		Metrics: m,
		Logger:  logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &runnerFixture{server: srv, ts: ts, base: base, metrics: m}
}

func TestNewServer_RequiresExecutor(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestRunner_ExecuteThroughRemoteExecutor(t *testing.T) {
	f := setupTestRunner(t, "runner-secret")
	remote := toolexecutor.NewRemoteExecutor(f.ts.URL, "runner-secret", nil)

	t.Run("echo", func(t *testing.T) {
		res := remote.Execute(context.Background(), toolexecutor.Call{Name: "echo", Args: map[string]any{"text": "hi"}},
			toolexecutor.ExecContext{RunID: "r1", SessionID: "s1"}, nil)
		require.True(t, res.OK, "result: %+v", res.Error)
		assert.Equal(t, "hi", res.Output)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ExecuteRequestsTotal.WithLabelValues("echo", "ok")))
	})

	t.Run("root is derived by the runner", func(t *testing.T) {
		execCtx := toolexecutor.ExecContext{
			RunID:       "r2",
			SessionID:   "s1",
			TenantID:    "t1",
			WorkspaceID: "w1",
			UserID:      "u1",
			Root:        "/etc",
		}
		res := remote.Execute(context.Background(), toolexecutor.Call{
			Name: "file.write",
			Args: map[string]any{"path": "notes.txt", "content": "remote"},
		}, execCtx, nil)
		require.True(t, res.OK, "result: %+v", res.Error)

		data, err := os.ReadFile(filepath.Join(f.base, "tenants", "t1", "workspaces", "w1", "users", "u1", "notes.txt"))
		require.NoError(t, err)
		assert.Equal(t, "remote", string(data))
	})

	t.Run("tool errors come back as results", func(t *testing.T) {
		res := remote.Execute(context.Background(), toolexecutor.Call{Name: "nope", Args: map[string]any{}},
			toolexecutor.ExecContext{RunID: "r3"}, nil)
		require.False(t, res.OK)
		assert.Equal(t, toolexecutor.CodeUnknownTool, res.Error.Code)
	})

	t.Run("updates are replayed in order", func(t *testing.T) {
		updates := make(chan toolexecutor.Update, 16)
		res := remote.Execute(context.Background(), toolexecutor.Call{
			Name: "bash.exec",
			Args: map[string]any{"cmd": "echo one; echo two"},
		}, toolexecutor.ExecContext{RunID: "r4", TenantID: "t1", WorkspaceID: "w1"}, updates)
		require.True(t, res.OK, "result: %+v", res.Error)
		close(updates)

		var streamed string
		for u := range updates {
			streamed += u.Delta
		}
		assert.Contains(t, streamed, "one")
		assert.Contains(t, streamed, "two")
	})
}

func TestRunner_Auth(t *testing.T) {
	f := setupTestRunner(t, "runner-secret")

	remote := toolexecutor.NewRemoteExecutor(f.ts.URL, "wrong", nil)
	res := remote.Execute(context.Background(), toolexecutor.Call{Name: "echo", Args: map[string]any{"text": "hi"}},
		toolexecutor.ExecContext{}, nil)
	require.False(t, res.OK)
	assert.Equal(t, toolexecutor.CodeRemoteError, res.Error.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AuthFailuresTotal))

	_, err := remote.Health(context.Background())
	assert.Error(t, err)
}

func TestRunner_Health(t *testing.T) {
	f := setupTestRunner(t, "")
	remote := toolexecutor.NewRemoteExecutor(f.ts.URL, "", nil)

	health, err := remote.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.OK)
	assert.Equal(t, 12.5, health.Usage.CPUPercent)
	assert.Equal(t, float64(70), health.Usage.DiskPercent)
	assert.Equal(t, 40.0, testutil.ToFloat64(f.metrics.HostMemoryPercent))
}

func TestRunner_BadRequests(t *testing.T) {
	f := setupTestRunner(t, "")

	resp, err := http.Get(f.ts.URL + "/execute")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(f.ts.URL+"/execute", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunner_StartStop(t *testing.T) {
	logger := zerolog.Nop()
	local := toolexecutor.NewLocal(toolexecutor.LocalConfig{Roots: sandbox.Config{DefaultRoot: t.TempDir()}, Logger: &logger})
	srv, err := NewServer(Config{Host: "127.0.0.1", Executor: local, Probe: HostProbe{SampleInterval: time.Millisecond}, Logger: logger})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
