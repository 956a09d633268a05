// Package memstore implements the store repositories with maps guarded by RWMutexes.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentgw/pkg/store"
)

// New returns a Store backed entirely by memory
func New() *store.Store {
	return &store.Store{
		Sessions:    NewSessions(),
		Transcripts: NewTranscripts(),
		Idempotency: NewIdempotency(),
		Policies:    NewPolicies(),
		Targets:     NewTargets(),
		Audit:       NewAudit(),
	}
}

// Sessions is an in-memory SessionRepository
type Sessions struct {
	mu    sync.RWMutex
	byID  map[string]*store.Session
	byKey map[string]string
}

// NewSessions creates an empty session repository
func NewSessions() *Sessions {
	return &Sessions{
		byID:  make(map[string]*store.Session),
		byKey: make(map[string]string),
	}
}

func (r *Sessions) GetOrCreate(ctx context.Context, s *store.Session) (*store.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[s.SessionKey]; ok {
		return r.byID[id].Clone(), false, nil
	}
	if _, ok := r.byID[s.ID]; ok {
		return nil, false, store.ErrExists
	}
	stored := s.Clone()
	r.byID[s.ID] = stored
	r.byKey[s.SessionKey] = s.ID
	return stored.Clone(), true, nil
}

func (r *Sessions) Get(ctx context.Context, id string) (*store.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *Sessions) GetByKey(ctx context.Context, sessionKey string) (*store.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[sessionKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *Sessions) List(ctx context.Context, tenantID, workspaceID string, includeArchived bool) ([]*store.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.Session, 0)
	for _, s := range r.byID {
		if s.TenantID != tenantID || s.WorkspaceID != workspaceID {
			continue
		}
		if s.Archived && !includeArchived {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Sessions) Update(ctx context.Context, id string, fn func(*store.Session) error) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	// identity fields are immutable
	next.ID = cur.ID
	next.SessionKey = cur.SessionKey
	next.TenantID = cur.TenantID
	next.WorkspaceID = cur.WorkspaceID
	next.CreatedAt = cur.CreatedAt
	r.byID[id] = next
	return next.Clone(), nil
}

func (r *Sessions) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), nil
}

// Transcripts is an in-memory TranscriptRepository
type Transcripts struct {
	mu      sync.RWMutex
	entries map[string][]*store.TranscriptEntry
}

// NewTranscripts creates an empty transcript repository
func NewTranscripts() *Transcripts {
	return &Transcripts{entries: make(map[string][]*store.TranscriptEntry)}
}

func (r *Transcripts) Append(ctx context.Context, entry *store.TranscriptEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := *entry
	r.entries[entry.SessionID] = append(r.entries[entry.SessionID], &e)
	return nil
}

func (r *Transcripts) List(ctx context.Context, sessionID string, limit, offset int) ([]*store.TranscriptEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.entries[sessionID]
	start, end := store.Paginate(len(all), limit, offset)
	out := make([]*store.TranscriptEntry, 0, end-start)
	for _, e := range all[start:end] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (r *Transcripts) Count(ctx context.Context, sessionID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[sessionID]), nil
}

// Idempotency is an in-memory IdempotencyRepository
type Idempotency struct {
	mu      sync.RWMutex
	records map[string]*store.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotency creates an empty idempotency repository
func NewIdempotency() *Idempotency {
	return &Idempotency{
		records: make(map[string]*store.IdempotencyRecord),
		now:     time.Now,
	}
}

func (r *Idempotency) Get(ctx context.Context, key string) (*store.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok || rec.Expired(r.now()) {
		return nil, store.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (r *Idempotency) Put(ctx context.Context, rec *store.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[rec.Key]; ok && !existing.Expired(r.now()) {
		return store.ErrExists
	}
	c := *rec
	c.Result = append([]byte(nil), rec.Result...)
	r.records[rec.Key] = &c
	return nil
}

func (r *Idempotency) Purge(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, rec := range r.records {
		if rec.Expired(now) {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}

// Policies is an in-memory PolicyRepository
type Policies struct {
	mu       sync.Mutex
	policies map[store.PolicyScope]*store.PolicyRecord
}

// NewPolicies creates an empty policy repository
func NewPolicies() *Policies {
	return &Policies{policies: make(map[store.PolicyScope]*store.PolicyRecord)}
}

func (r *Policies) Get(ctx context.Context, scope store.PolicyScope) (*store.PolicyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.policies[scope]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *Policies) Update(ctx context.Context, scope store.PolicyScope, fn func(*store.PolicyRecord) error) (*store.PolicyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.policies[scope]
	if !ok {
		cur = &store.PolicyRecord{PolicyScope: scope, Tools: map[string]store.Decision{}}
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.PolicyScope = scope
	r.policies[scope] = next
	return next.Clone(), nil
}

// Targets is an in-memory TargetRepository
type Targets struct {
	mu      sync.RWMutex
	targets map[string]*store.ExecutionTarget
}

// NewTargets creates an empty target repository
func NewTargets() *Targets {
	return &Targets{targets: make(map[string]*store.ExecutionTarget)}
}

func (r *Targets) Get(ctx context.Context, sessionID string) (*store.ExecutionTarget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.targets[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (r *Targets) Put(ctx context.Context, target *store.ExecutionTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *target
	r.targets[target.SessionID] = &c
	return nil
}

// Audit is an in-memory AuditRepository
type Audit struct {
	mu      sync.RWMutex
	records []*store.AuditRecord
}

// NewAudit creates an empty audit repository
func NewAudit() *Audit {
	return &Audit{}
}

func (r *Audit) Append(ctx context.Context, rec *store.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *rec
	r.records = append(r.records, &c)
	return nil
}

// List returns the newest records first
func (r *Audit) List(ctx context.Context, tenantID, workspaceID string, limit int) ([]*store.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.AuditRecord, 0)
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.TenantID != tenantID || rec.WorkspaceID != workspaceID {
			continue
		}
		c := *rec
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
