package agent

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultPendingAbortTTL is how long an abort waits for its run to start
	DefaultPendingAbortTTL = 10 * time.Minute

	maxPendingAborts = 4096
)

var (
	// ErrRunTenantMismatch is returned when an abort targets another tenant's run
	ErrRunTenantMismatch = errors.New("run belongs to another tenant")
	// ErrRunWorkspaceMismatch is returned when an abort targets another workspace's run
	ErrRunWorkspaceMismatch = errors.New("run belongs to another workspace")
)

// RunScope identifies the owner of a run
type RunScope struct {
	TenantID    string
	WorkspaceID string
	SessionID   string
}

func (s RunScope) pendingKey(runID string) string {
	return s.TenantID + "\x00" + s.WorkspaceID + "\x00" + runID
}

type activeRun struct {
	scope  RunScope
	cancel context.CancelFunc
}

// AbortRegistry tracks cancel functions of active runs. Aborts for runs that
// are not active yet are remembered per tenant and workspace, and consumed
// when a run with that id registers in the same scope.
type AbortRegistry struct {
	mu      sync.Mutex
	runs    map[string]activeRun
	pending map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewAbortRegistry creates an empty registry
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{
		runs:    make(map[string]activeRun),
		pending: make(map[string]time.Time),
		ttl:     DefaultPendingAbortTTL,
		now:     time.Now,
	}
}

// Register records cancel for runID. It reports whether an unexpired abort
// for runID arrived from the same scope before the run started; the pending
// marker is cleared either way.
func (r *AbortRegistry) Register(runID string, scope RunScope, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs[runID] = activeRun{scope: scope, cancel: cancel}
	key := scope.pendingKey(runID)
	at, ok := r.pending[key]
	if !ok {
		return false
	}
	delete(r.pending, key)
	return r.now().Sub(at) < r.ttl
}

// Unregister forgets an active run
func (r *AbortRegistry) Unregister(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

// Abort cancels runID on behalf of scope. It returns true when the run was
// active and false when the abort was recorded as pending. Runs owned by
// another tenant or workspace are left alone.
func (r *AbortRegistry) Abort(runID string, scope RunScope) (bool, error) {
	r.mu.Lock()
	run, ok := r.runs[runID]
	if ok {
		switch {
		case run.scope.TenantID != scope.TenantID:
			r.mu.Unlock()
			return false, ErrRunTenantMismatch
		case run.scope.WorkspaceID != scope.WorkspaceID:
			r.mu.Unlock()
			return false, ErrRunWorkspaceMismatch
		}
	} else {
		r.remember(scope.pendingKey(runID))
	}
	r.mu.Unlock()

	if ok {
		run.cancel()
	}
	return ok, nil
}

// remember records a pending abort, evicting the oldest one when full.
// Caller holds mu.
func (r *AbortRegistry) remember(key string) {
	if _, ok := r.pending[key]; !ok && len(r.pending) >= maxPendingAborts {
		var oldestKey string
		var oldest time.Time
		for k, at := range r.pending {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(r.pending, oldestKey)
	}
	r.pending[key] = r.now()
}

// PurgeExpired drops pending aborts older than the TTL and returns how many
// were removed
func (r *AbortRegistry) PurgeExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	n := 0
	for key, at := range r.pending {
		if !at.After(cutoff) {
			delete(r.pending, key)
			n++
		}
	}
	return n
}

// Active reports whether runID is running
func (r *AbortRegistry) Active(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	return ok
}

// Count returns the number of active runs
func (r *AbortRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Pending returns the number of aborts waiting for their run
func (r *AbortRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
