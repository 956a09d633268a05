package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/protocol"
)

func setupTestServer(t *testing.T, rateLimit float64, burst int) (*Server, *httptest.Server) {
	t.Helper()

	f := setupTestRouter(t, "")
	srv, err := NewServer(Config{
		Router:    f.router,
		Auth:      f.auth,
		RateLimit: rateLimit,
		RateBurst: burst,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postRPC(t *testing.T, ts *httptest.Server, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

var devHeaders = map[string]string{
	HeaderTenant:    "t1",
	HeaderWorkspace: "w1",
	HeaderUser:      "u1",
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: -1})
	assert.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	_, ts := setupTestServer(t, 0, 0)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_RPC(t *testing.T) {
	_, ts := setupTestServer(t, 0, 0)

	t.Run("rejects non-POST", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/rpc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("unauthenticated request gets a protocol error", func(t *testing.T) {
		resp := postRPC(t, ts, frame(t, "session.list", nil), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var env decodedEnvelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		assert.Equal(t, protocol.CodeUnauthorized, env.errorCode())
	})

	t.Run("filters streaming events", func(t *testing.T) {
		body := frame(t, "agent.run", map[string]any{
			"sessionKey":     "t1/w1/agent/http",
			"input":          `[[tool:math.add {"a":2,"b":3}]]`,
			"idempotencyKey": "h1",
		})
		resp := postRPC(t, ts, body, devHeaders)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var env decodedEnvelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		assert.Equal(t, "completed", env.payload(t)["status"])
		require.NotEmpty(t, env.Events)
		for _, ev := range env.Events {
			assert.False(t, ev.Event.Streaming(), "streaming event %s leaked", ev.Event)
		}
		assert.Equal(t, protocol.EventCompleted, env.Events[len(env.Events)-1].Event)

		// the replay filters to the same bytes
		first, err := io.ReadAll(postRPC(t, ts, body, devHeaders).Body)
		require.NoError(t, err)
		second, err := io.ReadAll(postRPC(t, ts, body, devHeaders).Body)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("rejected credentials leave the request unauthenticated", func(t *testing.T) {
		resp := postRPC(t, ts, frame(t, "session.list", nil), map[string]string{HeaderTenant: "t1"})
		var env decodedEnvelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		assert.Equal(t, protocol.CodeUnauthorized, env.errorCode())
	})
}

func TestServer_RPCRateLimit(t *testing.T) {
	_, ts := setupTestServer(t, 1, 1)

	resp := postRPC(t, ts, frame(t, "session.list", nil), devHeaders)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postRPC(t, ts, frame(t, "session.list", nil), devHeaders)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func dialWS(t *testing.T, ts *httptest.Server, headers http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, headers)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntilResponse collects event frames until the response frame arrives
func readUntilResponse(t *testing.T, conn *websocket.Conn) ([]decodedEvent, decodedResponse) {
	t.Helper()
	var events []decodedEvent
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		switch head.Type {
		case protocol.FrameTypeEvent:
			var ev decodedEvent
			require.NoError(t, json.Unmarshal(data, &ev))
			events = append(events, ev)
		case protocol.FrameTypeResponse:
			var res decodedResponse
			require.NoError(t, json.Unmarshal(data, &res))
			return events, res
		default:
			t.Fatalf("unexpected frame type %q", head.Type)
		}
	}
}

func TestServer_WebSocket(t *testing.T) {
	srv, ts := setupTestServer(t, 0, 0)
	conn := dialWS(t, ts, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, "connect", map[string]any{"tenantId": "t1", "workspaceId": "w1"})))
	_, res := readUntilResponse(t, conn)
	require.True(t, res.OK)

	require.Eventually(t, func() bool {
		infos := srv.Connections()
		return len(infos) == 1 && infos[0].TenantID == "t1"
	}, 2*time.Second, 10*time.Millisecond)

	run := frame(t, "agent.run", map[string]any{
		"sessionKey":     "t1/w1/agent/ws",
		"input":          `[[tool:math.add {"a":1,"b":2}]]`,
		"idempotencyKey": "w1",
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, run))
	events, res := readUntilResponse(t, conn)
	require.True(t, res.OK)
	require.NotEmpty(t, events)
	assert.Equal(t, protocol.EventAccepted, events[0].Event)
	assert.Equal(t, protocol.EventCompleted, events[len(events)-1].Event)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}

	t.Run("replay delivers the stored events", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, run))
		replayed, res := readUntilResponse(t, conn)
		require.True(t, res.OK)
		assert.Equal(t, events, replayed)
	})
}

func TestServer_WebSocketHeaderConnect(t *testing.T) {
	_, ts := setupTestServer(t, 0, 0)

	headers := http.Header{}
	headers.Set(HeaderTenant, "t1")
	headers.Set(HeaderWorkspace, "w1")
	conn := dialWS(t, ts, headers)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame(t, "session.list", nil)))
	_, res := readUntilResponse(t, conn)
	assert.True(t, res.OK)

	t.Run("bad credentials fail the upgrade", func(t *testing.T) {
		bad := http.Header{}
		bad.Set(HeaderTenant, "t1")
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
		_, resp, err := websocket.DefaultDialer.Dial(url, bad)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestServer_StartStop(t *testing.T) {
	f := setupTestRouter(t, "")
	srv, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Router: f.router, Auth: f.auth, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.True(t, srv.shuttingDown())
}
