// Package storetest holds repository conformance tests shared by every backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentgw/pkg/store"
)

// RunAll runs every conformance test against s
func RunAll(t *testing.T, s *store.Store) {
	t.Run("sessions", func(t *testing.T) { Sessions(t, s.Sessions) })
	t.Run("transcripts", func(t *testing.T) { Transcripts(t, s.Transcripts) })
	t.Run("idempotency", func(t *testing.T) { Idempotency(t, s.Idempotency) })
	t.Run("policies", func(t *testing.T) { Policies(t, s.Policies) })
	t.Run("targets", func(t *testing.T) { Targets(t, s.Targets) })
	t.Run("audit", func(t *testing.T) { Audit(t, s.Audit) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Sessions checks SessionRepository semantics
func Sessions(t *testing.T, repo store.SessionRepository) {
	ctx := context.Background()
	ts := now()

	s := store.NewSession("s-1", "t1/w1/main/a", "t1", "w1", "u1", ts)
	got, created, err := repo.GetOrCreate(ctx, s)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "s-1", got.ID)
	assert.Equal(t, store.FlushIdle, got.MemoryFlushState)

	again, created, err := repo.GetOrCreate(ctx, store.NewSession("s-other", "t1/w1/main/a", "t1", "w1", "u1", ts))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "s-1", again.ID)

	byKey, err := repo.GetByKey(ctx, "t1/w1/main/a")
	require.NoError(t, err)
	assert.Equal(t, "s-1", byKey.ID)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = repo.GetByKey(ctx, "t1/w1/main/missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	updated, err := repo.Update(ctx, "s-1", func(s *store.Session) error {
		s.Title = "hello"
		s.ContextUsage = 0.5
		s.MemoryFlushState = store.FlushPending
		s.UpdatedAt = ts.Add(time.Second)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", updated.Title)

	fetched, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", fetched.Title)
	assert.InDelta(t, 0.5, fetched.ContextUsage, 1e-9)
	assert.Equal(t, store.FlushPending, fetched.MemoryFlushState)

	_, err = repo.Update(ctx, "s-1", func(s *store.Session) error { return fmt.Errorf("nope") })
	assert.Error(t, err)
	_, err = repo.Update(ctx, "missing", func(s *store.Session) error { return nil })
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, _, err = repo.GetOrCreate(ctx, store.NewSession("s-2", "t1/w1/main/b", "t1", "w1", "", ts))
	require.NoError(t, err)
	_, _, err = repo.GetOrCreate(ctx, store.NewSession("s-3", "t2/w1/main/a", "t2", "w1", "", ts))
	require.NoError(t, err)
	_, err = repo.Update(ctx, "s-2", func(s *store.Session) error {
		s.Archived = true
		return nil
	})
	require.NoError(t, err)

	list, err := repo.List(ctx, "t1", "w1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s-1", list[0].ID)

	list, err = repo.List(ctx, "t1", "w1", true)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// concurrent read-modify-write must not lose increments
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, "s-1", func(s *store.Session) error {
				s.CompactionCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	final, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 20, final.CompactionCount)
}

// Transcripts checks TranscriptRepository semantics
func Transcripts(t *testing.T, repo store.TranscriptRepository) {
	ctx := context.Background()
	ts := now()

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]any{"i": i})
		require.NoError(t, repo.Append(ctx, &store.TranscriptEntry{
			ID:        fmt.Sprintf("e-%d", i),
			SessionID: "s-1",
			RunID:     "r-1",
			Event:     "agent.delta",
			Payload:   payload,
			CreatedAt: ts.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	n, err := repo.Count(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	all, err := repo.List(ctx, "s-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, fmt.Sprintf("e-%d", i), e.ID)
	}
	assert.JSONEq(t, `{"i":0}`, string(all[0].Payload))

	page, err := repo.List(ctx, "s-1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e-1", page[0].ID)
	assert.Equal(t, "e-2", page[1].ID)

	empty, err := repo.List(ctx, "s-none", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// Idempotency checks IdempotencyRepository semantics
func Idempotency(t *testing.T, repo store.IdempotencyRepository) {
	ctx := context.Background()
	ts := now()

	rec := &store.IdempotencyRecord{
		Key:         "agent.run:t1/w1:k1",
		Method:      "agent.run",
		Fingerprint: "fp",
		Result:      []byte(`{"response":{"ok":true},"events":[]}`),
		CreatedAt:   ts,
		ExpiresAt:   ts.Add(time.Hour),
	}
	require.NoError(t, repo.Put(ctx, rec))

	got, err := repo.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "fp", got.Fingerprint)
	assert.Equal(t, rec.Result, got.Result)

	err = repo.Put(ctx, rec)
	assert.True(t, errors.Is(err, store.ErrExists))

	_, err = repo.Get(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	expired := &store.IdempotencyRecord{
		Key:         "agent.run:t1/w1:old",
		Method:      "agent.run",
		Fingerprint: "fp",
		Result:      []byte(`{}`),
		CreatedAt:   ts.Add(-2 * time.Hour),
		ExpiresAt:   ts.Add(-time.Hour),
	}
	require.NoError(t, repo.Put(ctx, expired))
	_, err = repo.Get(ctx, expired.Key)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	n, err := repo.Purge(ctx, ts)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 0)

	_, err = repo.Get(ctx, rec.Key)
	assert.NoError(t, err, "live record must survive purge")
}

// Policies checks PolicyRepository semantics
func Policies(t *testing.T, repo store.PolicyRepository) {
	ctx := context.Background()
	scope := store.PolicyScope{TenantID: "t1", WorkspaceID: "w1", ScopeKey: "default"}

	_, err := repo.Get(ctx, scope)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	p, err := repo.Update(ctx, scope, func(p *store.PolicyRecord) error {
		assert.Equal(t, int64(0), p.Version)
		p.ToolDefault = store.Allow
		p.HighRisk = store.Deny
		p.Tools["bash.exec"] = store.Allow
		p.Version++
		p.UpdatedAt = now()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)

	p, err = repo.Update(ctx, scope, func(p *store.PolicyRecord) error {
		p.Tools["echo"] = store.Deny
		p.Version++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)

	got, err := repo.Get(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, store.Allow, got.Tools["bash.exec"])
	assert.Equal(t, store.Deny, got.Tools["echo"])
	assert.Equal(t, store.Deny, got.HighRisk)
	assert.Equal(t, scope, got.PolicyScope)

	other := store.PolicyScope{TenantID: "t1", WorkspaceID: "w2", ScopeKey: "default"}
	_, err = repo.Get(ctx, other)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

// Targets checks TargetRepository semantics
func Targets(t *testing.T, repo store.TargetRepository) {
	ctx := context.Background()

	_, err := repo.Get(ctx, "s-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, repo.Put(ctx, &store.ExecutionTarget{
		SessionID: "s-1",
		Kind:      store.TargetDockerRunner,
		Endpoint:  "http://runner:18790",
		Token:     "secret",
		UpdatedAt: now(),
	}))
	require.NoError(t, repo.Put(ctx, &store.ExecutionTarget{
		SessionID: "s-1",
		Kind:      store.TargetLocalHost,
		UpdatedAt: now(),
	}))

	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, store.TargetLocalHost, got.Kind)
	assert.Empty(t, got.Endpoint)
}

// Audit checks AuditRepository semantics
func Audit(t *testing.T, repo store.AuditRepository) {
	ctx := context.Background()
	ts := now()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(ctx, &store.AuditRecord{
			ID:          fmt.Sprintf("a-%d", i),
			TenantID:    "t1",
			WorkspaceID: "w1",
			Actor:       "u1",
			Action:      "policy.denied",
			Status:      "deny",
			Metadata:    map[string]any{"tool": "bash.exec"},
			CreatedAt:   ts.Add(time.Duration(i) * time.Second),
		}))
	}

	recs, err := repo.List(ctx, "t1", "w1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a-2", recs[0].ID)
	assert.Equal(t, "bash.exec", recs[0].Metadata["tool"])

	none, err := repo.List(ctx, "t9", "w1", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
