package toolexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harun/agentgw/internal/tracing"
)

// RemoteRequest is the body of POST /execute
type RemoteRequest struct {
	Call Call        `json:"call"`
	Ctx  ExecContext `json:"ctx"`
}

// RemoteResponse is the reply of POST /execute. Updates are buffered by the
// runner and replayed in order by RemoteExecutor.
type RemoteResponse struct {
	Updates []Update `json:"updates"`
	Result  Result   `json:"result"`
}

// HostUsage is the resource usage reported by GET /health
type HostUsage struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
}

// HealthResponse is the reply of GET /health
type HealthResponse struct {
	OK    bool      `json:"ok"`
	Usage HostUsage `json:"usage"`
}

const maxRemoteResponseBytes = 16 << 20

// RemoteExecutor forwards calls to a runner over HTTP
type RemoteExecutor struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewRemoteExecutor creates an executor for the runner at endpoint
func NewRemoteExecutor(endpoint, token string, client *http.Client) *RemoteExecutor {
	if client == nil {
		client = &http.Client{Timeout: 11 * time.Minute}
	}
	return &RemoteExecutor{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   client,
	}
}

// Endpoint returns the runner base URL
func (r *RemoteExecutor) Endpoint() string {
	return r.endpoint
}

// Execute posts the call and replays the runner's updates
func (r *RemoteExecutor) Execute(ctx context.Context, call Call, execCtx ExecContext, updates chan<- Update) Result {
	ctx, span := tracing.StartSpan(ctx, "agentgw.toolexecutor", "tool.remote")
	defer span.End()

	body, err := json.Marshal(RemoteRequest{Call: Call{Name: call.Name, Args: call.Args}, Ctx: execCtx})
	if err != nil {
		return Failure(CodeRemoteError, "failed to encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return Failure(CodeRemoteError, "invalid runner endpoint: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		tracing.FailSpan(span, err)
		if ctx.Err() != nil {
			return Failure(CodeAborted, "aborted")
		}
		return Failure(CodeRemoteError, "runner request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return Failure(CodeAborted, "aborted")
		}
		return Failure(CodeRemoteError, "failed to read runner response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Failure(CodeRemoteError, "runner returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out RemoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Failure(CodeRemoteError, "invalid runner response: %v", err)
	}

	for _, u := range out.Updates {
		sendUpdate(ctx, updates, u)
	}

	if !out.Result.OK && out.Result.Error == nil {
		out.Result.Error = NewToolError(CodeRemoteError, "runner reported failure without error")
	}
	return out.Result
}

// Health queries GET /health
func (r *RemoteExecutor) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner health returned %d", resp.StatusCode)
	}

	var out HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return &out, nil
}
