package cli

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/gateway"
	"github.com/harun/agentgw/pkg/store"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
		check   func(t *testing.T, p *store.PolicyRecord)
	}{
		{
			name:    "full",
			content: "toolDefault: deny\nhighRisk: allow\ntools:\n  echo: allow\n  bash.exec: deny\n",
			check: func(t *testing.T, p *store.PolicyRecord) {
				assert.Equal(t, store.Deny, p.ToolDefault)
				assert.Equal(t, store.Allow, p.HighRisk)
				assert.Equal(t, map[string]store.Decision{"echo": store.Allow, "bash.exec": store.Deny}, p.Tools)
			},
		},
		{
			name:    "empty keeps defaults",
			content: "",
			check: func(t *testing.T, p *store.PolicyRecord) {
				assert.Equal(t, store.Allow, p.ToolDefault)
				assert.Equal(t, store.Deny, p.HighRisk)
				assert.Empty(t, p.Tools)
			},
		},
		{name: "bad default", content: "toolDefault: maybe\n", wantErr: "toolDefault"},
		{name: "bad high risk", content: "highRisk: sometimes\n", wantErr: "highRisk"},
		{name: "bad tool", content: "tools:\n  echo: yes-please\n", wantErr: "tools.echo"},
		{name: "unknown key", content: "toolDefaults: allow\n", wantErr: "invalid policy file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := LoadPolicyFile(writePolicy(t, tt.content))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, p)
		})
	}

	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPolicyResolveCommand(t *testing.T) {
	t.Run("from file", func(t *testing.T) {
		file := writePolicy(t, "tools:\n  bash.exec: allow\n")
		output, err := execute(t, "policy", "resolve", "bash.exec", "--file", file)
		require.NoError(t, err)
		assert.Equal(t, "bash.exec: allow (high-risk)\n", output)

		output, err = execute(t, "policy", "resolve", "http.request", "--file", file)
		require.NoError(t, err)
		assert.Equal(t, "http.request: deny (high-risk)\n", output)
	})

	t.Run("from config", func(t *testing.T) {
		path := writeConfig(t, map[string]any{"policy": map[string]any{"tool_default": "deny", "high_risk": "deny"}})
		output, err := execute(t, "--config", path, "policy", "resolve", "math.add", "--file", "")
		require.NoError(t, err)
		assert.Equal(t, "math.add: deny\n", output)
	})
}

// fakeGateway answers policy.update and records what it received
type fakeGateway struct {
	frames  []map[string]any
	headers []http.Header
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var frame map[string]any
	_ = json.NewDecoder(r.Body).Decode(&frame)
	g.frames = append(g.frames, frame)
	g.headers = append(g.headers, r.Header.Clone())

	params, _ := frame["params"].(map[string]any)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"response": map[string]any{
			"type": "res",
			"id":   frame["id"],
			"ok":   true,
			"payload": map[string]any{"policy": map[string]any{
				"tools":       params["tools"],
				"toolDefault": params["toolDefault"],
				"highRisk":    params["highRisk"],
				"version":     1,
			}},
		},
		"events": []any{},
	})
}

func gatewayConfig(t *testing.T, ts *httptest.Server, secret string) string {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	gw := map[string]any{"host": host, "port": port}
	if secret != "" {
		gw["jwt_secret"] = secret
	}
	return writeConfig(t, map[string]any{"gateway": gw})
}

func TestPolicyApplyCommand(t *testing.T) {
	fake := &fakeGateway{}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	file := writePolicy(t, "highRisk: deny\ntools:\n  bash.exec: allow\n")

	t.Run("signed admin request", func(t *testing.T) {
		path := gatewayConfig(t, ts, testSecret)
		output, err := execute(t, "--config", path, "policy", "apply", "--file", file, "--tenant", "t1", "--workspace", "w1")
		require.NoError(t, err)
		assert.Contains(t, output, "Policy applied to t1/w1 (version 1)")
		assert.Contains(t, output, "bash.exec: allow")

		require.Len(t, fake.frames, 1)
		frame := fake.frames[0]
		assert.Equal(t, "policy.update", frame["method"])
		params := frame["params"].(map[string]any)
		assert.NotEmpty(t, params["idempotencyKey"])
		assert.Equal(t, "default", params["scopeKey"])
		assert.Equal(t, map[string]any{"bash.exec": "allow"}, params["tools"])

		token := gateway.BearerToken(fake.headers[0].Get("Authorization"))
		require.NotEmpty(t, token)
		p, err := gateway.NewAuthenticator(testSecret, 0).Verify(token)
		require.NoError(t, err)
		assert.True(t, p.Admin())
	})

	t.Run("dry run does not call the gateway", func(t *testing.T) {
		before := len(fake.frames)
		output, err := execute(t, "policy", "apply", "--file", file, "--tenant", "t1", "--workspace", "w1", "--dry-run")
		require.NoError(t, err)
		assert.Contains(t, output, "is valid (1 tool overrides)")
		assert.Len(t, fake.frames, before)
	})
}
