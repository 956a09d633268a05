package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)

	a.Record(context.Background(), AuditEvent{
		Type:     "policy",
		TenantID: "acme",
		Actor:    "user-1",
		Action:   "deny:bash.exec",
		Status:   "denied",
		Metadata: map[string]interface{}{"run_id": "run-1"},
	})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "policy", line["type"])
	assert.Equal(t, "acme", line["tenant_id"])
	assert.Equal(t, "deny:bash.exec", line["action"])
	assert.Equal(t, "audit", line["stream"])
	meta := line["metadata"].(map[string]interface{})
	assert.Equal(t, "run-1", meta["run_id"])
}

func TestInitAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() { _ = GetAuditLogger().Close() })

	RecordSecurityAudit(context.Background(), "acme", "connect", "user-2", "success", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"connect"`)
}

func TestMetricsHandler(t *testing.T) {
	RecordRPC("agent.run", "", 0)
	RecordIdempotency("agent.run", "replay")
	RecordPolicyDenial("bash.exec")
	assert.NotNil(t, MetricsHandler())
}
