package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxHTTPTimeout     = 60 * time.Second
	maxHTTPBodyBytes   = 64 * 1024
	defaultHostRate    = 5.0
)

// HTTPResponse is the output of http.request
type HTTPResponse struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Truncated bool              `json:"truncated,omitempty"`
}

type httpTool struct {
	client   *http.Client
	rate     float64
	burst    int
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func newHTTPTool(client *http.Client, hostRate float64) *httpTool {
	if client == nil {
		client = &http.Client{}
	}
	if hostRate <= 0 {
		hostRate = defaultHostRate
	}
	burst := int(hostRate)
	if burst < 1 {
		burst = 1
	}
	return &httpTool{
		client:   client,
		rate:     hostRate,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func httpTools(h *httpTool) []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "http.request",
			Description: "Make an HTTP or HTTPS request",
			Category:    CategoryWeb,
			Parameters: []ToolParameter{
				{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
				{Name: "method", Type: "string", Description: "HTTP method (default GET)"},
				{Name: "headers", Type: "object", Description: "Request headers"},
				{Name: "body", Type: "string", Description: "Request body"},
				{Name: "timeoutMs", Type: "integer", Description: "Timeout in milliseconds (default 15000, max 60000)"},
			},
			Handler: h.do,
		},
	}
}

// hostLimiter gets or creates the limiter for host
func (h *httpTool) hostLimiter(host string) *rate.Limiter {
	h.mu.RLock()
	limiter, exists := h.limiters[host]
	h.mu.RUnlock()

	if exists {
		return limiter
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if limiter, exists := h.limiters[host]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(h.rate), h.burst)
	h.limiters[host] = limiter
	return limiter
}

func (h *httpTool) do(ctx context.Context, env *ToolEnv, args map[string]interface{}) (interface{}, error) {
	rawURL := ArgString(args, "url")
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, NewToolError(CodeInvalidArgs, "invalid url: %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, NewToolError(CodeInvalidArgs, "unsupported scheme %q", u.Scheme)
	}

	method := strings.ToUpper(ArgString(args, "method"))
	if method == "" {
		method = http.MethodGet
	}

	timeoutMs := ArgInt(args, "timeoutMs", 0)
	if timeoutMs < 0 {
		return nil, NewToolError(CodeInvalidArgs, "timeoutMs must be >= 0")
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}
	if timeout > maxHTTPTimeout {
		timeout = maxHTTPTimeout
	}

	if !h.hostLimiter(strings.ToLower(u.Hostname())).Allow() {
		return nil, NewToolError(CodeRateLimited, "rate limit exceeded for host %s", u.Hostname())
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if b := ArgString(args, "body"); b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, NewToolError(CodeInvalidArgs, "invalid request: %v", err)
	}
	for key, value := range ArgMap(args, "headers") {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		} else {
			req.Header.Set(key, fmt.Sprint(value))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewToolError(CodeAborted, "aborted")
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, NewToolError(CodeTimeout, "request timed out after %s", timeout)
		}
		return nil, NewToolError(CodeHTTPError, "%v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewToolError(CodeAborted, "aborted")
		}
		return nil, NewToolError(CodeHTTPError, "failed to read body: %v", err)
	}

	out := HTTPResponse{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
	}
	if len(data) > maxHTTPBodyBytes {
		data = data[:maxHTTPBodyBytes]
		out.Truncated = true
	}
	out.Body = string(data)

	return out, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
