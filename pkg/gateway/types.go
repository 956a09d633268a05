package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/harun/agentgw/pkg/protocol"
)

// ConnectionState is the per-connection state owned by the router: the bound
// principal, the sessions running on the connection, and the event counters.
type ConnectionState struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	mu           sync.Mutex
	principal    *Principal
	running      map[string]string // session id -> run id
	seq          int64
	stateVersion int64
	live         func(frame []byte)
}

// NewConnectionState creates the state of a fresh connection
func NewConnectionState(id, remoteAddr string) *ConnectionState {
	return &ConnectionState{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		running:     make(map[string]string),
	}
}

// Principal returns the authenticated caller, or nil before connect
func (c *ConnectionState) Principal() *Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *ConnectionState) bind(p *Principal) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
}

// SetLive registers a sink receiving each encoded event frame as it is
// produced. Replayed envelopes are not pushed through it.
func (c *ConnectionState) SetLive(fn func(frame []byte)) {
	c.mu.Lock()
	c.live = fn
	c.mu.Unlock()
}

// Seq returns the last sequence number handed out
func (c *ConnectionState) Seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// StateVersion returns the number of committed side-effecting requests
func (c *ConnectionState) StateVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateVersion
}

// claimSession marks sessionID as running runID; false if it already runs
func (c *ConnectionState) claimSession(sessionID, runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[sessionID]; busy {
		return false
	}
	c.running[sessionID] = runID
	return true
}

func (c *ConnectionState) releaseSession(sessionID string) {
	c.mu.Lock()
	delete(c.running, sessionID)
	c.mu.Unlock()
}

// Running returns the number of runs in flight on the connection
func (c *ConnectionState) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

func (c *ConnectionState) commit() {
	c.mu.Lock()
	c.stateVersion++
	c.mu.Unlock()
}

// nextFrame stamps an event with the next seq and the current state version
func (c *ConnectionState) nextFrame(event protocol.EventName, payload any) (protocol.EventFrame, func(frame []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return protocol.EventFrame{
		Type:         protocol.FrameTypeEvent,
		Event:        event,
		Payload:      payload,
		Seq:          c.seq,
		StateVersion: c.stateVersion,
	}, c.live
}

// eventLog collects the events of one request in order
type eventLog struct {
	conn   *ConnectionState
	frames []protocol.EventFrame
	mu     sync.Mutex
}

func newEventLog(conn *ConnectionState) *eventLog {
	return &eventLog{conn: conn}
}

func (l *eventLog) emit(event protocol.EventName, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	frame, live := l.conn.nextFrame(event, payload)
	l.frames = append(l.frames, frame)
	if live != nil {
		if data, err := json.Marshal(frame); err == nil {
			live(data)
		}
	}
}

func (l *eventLog) events() []protocol.EventFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.EventFrame, len(l.frames))
	copy(out, l.frames)
	return out
}
