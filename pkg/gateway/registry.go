package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsClient is one websocket connection. gorilla connections allow a single
// concurrent writer, so every write goes through writeMu.
type wsClient struct {
	state   *ConnectionState
	conn    *websocket.Conn
	limiter *ConnLimiter
	cancel  context.CancelFunc

	writeMu      sync.Mutex
	lastActivity time.Time
}

func (c *wsClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsClient) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// ConnInfo describes a live websocket connection
type ConnInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddr"`
	TenantID     string    `json:"tenantId,omitempty"`
	WorkspaceID  string    `json:"workspaceId,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Running      int       `json:"running"`
	Seq          int64     `json:"seq"`
	StateVersion int64     `json:"stateVersion"`
}

// connRegistry tracks live websocket connections
type connRegistry struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

func newConnRegistry() *connRegistry {
	return &connRegistry{clients: make(map[string]*wsClient)}
}

func (r *connRegistry) add(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.state.ID] = c
}

func (r *connRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *connRegistry) all() []*wsClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*wsClient, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *connRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *connRegistry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.lastActivity = time.Now()
	}
}

func (r *connRegistry) infos() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(r.clients))
	for _, c := range r.clients {
		info := ConnInfo{
			ID:           c.state.ID,
			RemoteAddr:   c.state.RemoteAddr,
			ConnectedAt:  c.state.ConnectedAt,
			LastActivity: c.lastActivity,
			Running:      c.state.Running(),
			Seq:          c.state.Seq(),
			StateVersion: c.state.StateVersion(),
		}
		if p := c.state.Principal(); p != nil {
			info.TenantID = p.TenantID
			info.WorkspaceID = p.WorkspaceID
		}
		infos = append(infos, info)
	}
	return infos
}
