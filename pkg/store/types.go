package store

import (
	"encoding/json"
	"time"
)

// RuntimeMode is where a session's tools run
type RuntimeMode string

const (
	RuntimeLocal RuntimeMode = "local"
	RuntimeCloud RuntimeMode = "cloud"
)

// Valid reports whether m is a known runtime mode
func (m RuntimeMode) Valid() bool {
	return m == RuntimeLocal || m == RuntimeCloud
}

// SyncState tracks local/cloud session synchronisation
type SyncState string

const (
	SyncSynced   SyncState = "synced"
	SyncPending  SyncState = "pending"
	SyncConflict SyncState = "conflict"
)

// Valid reports whether s is a known sync state
func (s SyncState) Valid() bool {
	return s == SyncSynced || s == SyncPending || s == SyncConflict
}

// FlushState is the memory pre-compaction flush state of a session.
// Transitions: idle -> pending -> (flushed | skipped) -> idle.
type FlushState string

const (
	FlushIdle    FlushState = "idle"
	FlushPending FlushState = "pending"
	FlushFlushed FlushState = "flushed"
	FlushSkipped FlushState = "skipped"
)

// CanTransition reports whether from -> to is a legal flush transition
func (from FlushState) CanTransition(to FlushState) bool {
	switch from {
	case FlushIdle:
		return to == FlushPending
	case FlushPending:
		return to == FlushFlushed || to == FlushSkipped
	case FlushFlushed, FlushSkipped:
		return to == FlushIdle
	}
	return false
}

// Session is one conversation thread
type Session struct {
	ID               string      `json:"id"`
	SessionKey       string      `json:"sessionKey"`
	TenantID         string      `json:"tenantId"`
	WorkspaceID      string      `json:"workspaceId"`
	OwnerID          string      `json:"ownerId,omitempty"`
	RuntimeMode      RuntimeMode `json:"runtimeMode"`
	SyncState        SyncState   `json:"syncState"`
	Title            string      `json:"title"`
	Preview          string      `json:"preview"`
	ContextUsage     float64     `json:"contextUsage"`
	CompactionCount  int         `json:"compactionCount"`
	MemoryFlushState FlushState  `json:"memoryFlushState"`
	LastRunID        string      `json:"lastRunId,omitempty"`
	Archived         bool        `json:"archived"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Clone returns a copy safe to hand out of a repository
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// TranscriptEntry records one emitted event. Append-only.
type TranscriptEntry struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	RunID     string          `json:"runId,omitempty"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// IdempotencyRecord caches the encoded {response, events} of a side-effecting call
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Method      string    `json:"method"`
	Fingerprint string    `json:"fingerprint"`
	Result      []byte    `json:"result"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the record is past its TTL at now
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Decision is a policy outcome
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Valid reports whether d is allow or deny
func (d Decision) Valid() bool {
	return d == Allow || d == Deny
}

// PolicyScope addresses one policy record
type PolicyScope struct {
	TenantID    string `json:"tenantId"`
	WorkspaceID string `json:"workspaceId"`
	ScopeKey    string `json:"scopeKey"`
}

// PolicyRecord is the tool policy of one scope
type PolicyRecord struct {
	PolicyScope
	Tools       map[string]Decision `json:"tools"`
	ToolDefault Decision            `json:"toolDefault"`
	HighRisk    Decision            `json:"highRisk"`
	Version     int64               `json:"version"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Clone deep-copies the record
func (p *PolicyRecord) Clone() *PolicyRecord {
	c := *p
	c.Tools = make(map[string]Decision, len(p.Tools))
	for k, v := range p.Tools {
		c.Tools[k] = v
	}
	return &c
}

// TargetKind is where tool calls physically run
type TargetKind string

const (
	TargetLocalHost    TargetKind = "local-host"
	TargetDockerRunner TargetKind = "docker-runner"
)

// Valid reports whether k is a known target kind
func (k TargetKind) Valid() bool {
	return k == TargetLocalHost || k == TargetDockerRunner
}

// ExecutionTarget binds a session to an executor
type ExecutionTarget struct {
	SessionID string     `json:"sessionId"`
	Kind      TargetKind `json:"kind"`
	Endpoint  string     `json:"endpoint,omitempty"`
	Token     string     `json:"-"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// AuditRecord is a durable security-relevant event
type AuditRecord struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	WorkspaceID string         `json:"workspaceId"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}
