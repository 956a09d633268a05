// Package store defines the repository interfaces the gateway core depends on.
// Implementations live in the memstore, sqlstore and redisstore subpackages;
// file-backed transcripts live in pkg/session.
package store

import (
	"context"
	"errors"
	"time"
)

// SessionRepository persists sessions. Implementations serialise Update per row.
type SessionRepository interface {
	// GetOrCreate returns the session for s.SessionKey, inserting s when absent.
	GetOrCreate(ctx context.Context, s *Session) (sess *Session, created bool, err error)
	Get(ctx context.Context, id string) (*Session, error)
	GetByKey(ctx context.Context, sessionKey string) (*Session, error)
	List(ctx context.Context, tenantID, workspaceID string, includeArchived bool) ([]*Session, error)
	// Update applies fn to the current row atomically and stores the result.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Count(ctx context.Context) (int, error)
}

// TranscriptRepository is the append-only event log of sessions
type TranscriptRepository interface {
	Append(ctx context.Context, entry *TranscriptEntry) error
	List(ctx context.Context, sessionID string, limit, offset int) ([]*TranscriptEntry, error)
	Count(ctx context.Context, sessionID string) (int, error)
}

// IdempotencyRepository caches side-effecting results
type IdempotencyRepository interface {
	// Get returns ErrNotFound for absent or expired records.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	// Put inserts a record; ErrExists if the key is taken. Records are never updated.
	Put(ctx context.Context, rec *IdempotencyRecord) error
	// Purge removes records expired at now and returns how many went.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// PolicyRepository persists tool policies
type PolicyRepository interface {
	Get(ctx context.Context, scope PolicyScope) (*PolicyRecord, error)
	// Update applies fn atomically. When no row exists fn receives a zero record
	// (Version 0, empty Tools) carrying scope.
	Update(ctx context.Context, scope PolicyScope, fn func(*PolicyRecord) error) (*PolicyRecord, error)
}

// TargetRepository persists session execution targets
type TargetRepository interface {
	Get(ctx context.Context, sessionID string) (*ExecutionTarget, error)
	Put(ctx context.Context, target *ExecutionTarget) error
}

// AuditRepository persists audit records
type AuditRepository interface {
	Append(ctx context.Context, rec *AuditRecord) error
	List(ctx context.Context, tenantID, workspaceID string, limit int) ([]*AuditRecord, error)
}

// Store groups the repositories the gateway needs
type Store struct {
	Sessions    SessionRepository
	Transcripts TranscriptRepository
	Idempotency IdempotencyRepository
	Policies    PolicyRepository
	Targets     TargetRepository
	Audit       AuditRepository

	closers []func() error
}

// OnClose registers a cleanup run by Close
func (s *Store) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases backing clients in reverse registration order
func (s *Store) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewSession fills defaults for a session about to be created
func NewSession(id, sessionKey, tenantID, workspaceID, ownerID string, now time.Time) *Session {
	return &Session{
		ID:               id,
		SessionKey:       sessionKey,
		TenantID:         tenantID,
		WorkspaceID:      workspaceID,
		OwnerID:          ownerID,
		RuntimeMode:      RuntimeLocal,
		SyncState:        SyncSynced,
		MemoryFlushState: FlushIdle,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Paginate applies limit/offset to n items, returning the [start,end) window
func Paginate(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
