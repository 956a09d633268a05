package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Request is a validated request frame
type Request struct {
	ID     string
	Method Method
	Params map[string]any
}

// ParseRequest validates frame shape and method membership, in that order.
// The returned Request is non-nil whenever an id could be recovered, so callers
// can address the error response.
func ParseRequest(raw []byte) (*Request, *Error) {
	var frame RequestFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return &Request{}, NewError(CodeInvalidRequest, "malformed frame: %v", err)
	}

	req := &Request{ID: frame.ID}

	if frame.Type != FrameTypeRequest {
		return req, NewError(CodeInvalidRequest, "frame type must be %q", FrameTypeRequest)
	}
	if strings.TrimSpace(frame.ID) == "" {
		return req, NewError(CodeInvalidRequest, "id is required")
	}
	if frame.Method == "" {
		return req, NewError(CodeInvalidRequest, "method is required")
	}

	params, perr := decodeParams(frame.Params)
	if perr != nil {
		return req, perr
	}
	req.Params = params

	method := Method(frame.Method)
	if !method.Known() {
		return req, NewError(CodeMethodNotFound, "unknown method %s", frame.Method).WithDetail("method", frame.Method)
	}
	req.Method = method

	return req, nil
}

func decodeParams(raw json.RawMessage) (map[string]any, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewError(CodeInvalidRequest, "params is required")
	}
	if trimmed[0] != '{' {
		return nil, NewError(CodeInvalidRequest, "params must be an object")
	}
	var params map[string]any
	if err := json.Unmarshal(trimmed, &params); err != nil {
		return nil, NewError(CodeInvalidRequest, "params must be an object: %v", err)
	}
	return params, nil
}

// IdempotencyKey returns params.idempotencyKey, or "" when absent or not a string
func (r *Request) IdempotencyKey() string {
	key, _ := r.Params["idempotencyKey"].(string)
	return strings.TrimSpace(key)
}

// RequireIdempotencyKey fails with INVALID_REQUEST when a side-effecting request has no key.
func (r *Request) RequireIdempotencyKey() (string, *Error) {
	key := r.IdempotencyKey()
	if r.Method.SideEffecting() && key == "" {
		return "", NewError(CodeInvalidRequest, "%s requires params.idempotencyKey", r.Method)
	}
	return key, nil
}

// String returns a string param, or "" when absent or of another type
func (r *Request) String(name string) string {
	s, _ := r.Params[name].(string)
	return s
}

// Int returns a numeric param truncated to int, or def when absent
func (r *Request) Int(name string, def int) int {
	switch v := r.Params[name].(type) {
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Object returns an object param, or nil
func (r *Request) Object(name string) map[string]any {
	m, _ := r.Params[name].(map[string]any)
	return m
}
