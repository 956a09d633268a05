package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentgw/pkg/store"
)

// Transcripts is a SQL TranscriptRepository
type Transcripts struct {
	d *DB
}

func (r *Transcripts) Append(ctx context.Context, e *store.TranscriptEntry) error {
	payload := string(e.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := r.d.exec(ctx, r.d.db, `
		INSERT INTO transcript_entries (id, session_id, run_id, event, payload, created_at)
		VALUES (?,?,?,?,?,?)
	`, e.ID, e.SessionID, e.RunID, e.Event, payload, utc(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

func (r *Transcripts) List(ctx context.Context, sessionID string, limit, offset int) ([]*store.TranscriptEntry, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, session_id, run_id, event, payload, created_at
		FROM transcript_entries WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		// sqlite requires LIMIT before OFFSET; -1 means unbounded there, ALL in postgres
		if r.d.dialect == Postgres {
			query += ` OFFSET ?`
		} else {
			query += ` LIMIT -1 OFFSET ?`
		}
		args = append(args, offset)
	}

	rows, err := r.d.query(ctx, r.d.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer rows.Close()

	out := make([]*store.TranscriptEntry, 0)
	for rows.Next() {
		var e store.TranscriptEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RunID, &e.Event, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	return out, nil
}

func (r *Transcripts) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.d.queryRow(ctx, r.d.db, `SELECT COUNT(*) FROM transcript_entries WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transcript: %w", err)
	}
	return n, nil
}

// Idempotency is a SQL IdempotencyRepository
type Idempotency struct {
	d   *DB
	now func() time.Time
}

func (r *Idempotency) Get(ctx context.Context, key string) (*store.IdempotencyRecord, error) {
	var rec store.IdempotencyRecord
	var result string
	err := r.d.queryRow(ctx, r.d.db, `
		SELECT record_key, method, fingerprint, result, created_at, expires_at
		FROM idempotency_records WHERE record_key = ? AND expires_at > ?
	`, key, utc(r.now())).Scan(&rec.Key, &rec.Method, &rec.Fingerprint, &result, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.Result = []byte(result)
	return &rec, nil
}

func (r *Idempotency) Put(ctx context.Context, rec *store.IdempotencyRecord) error {
	return r.d.inTx(ctx, func(tx *sql.Tx) error {
		// an expired record may be replaced
		if _, err := r.d.exec(ctx, tx, `DELETE FROM idempotency_records WHERE record_key = ? AND expires_at <= ?`,
			rec.Key, utc(r.now())); err != nil {
			return fmt.Errorf("put idempotency record: %w", err)
		}
		res, err := r.d.exec(ctx, tx, `
			INSERT INTO idempotency_records (record_key, method, fingerprint, result, created_at, expires_at)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT (record_key) DO NOTHING
		`, rec.Key, rec.Method, rec.Fingerprint, string(rec.Result), utc(rec.CreatedAt), utc(rec.ExpiresAt))
		if err != nil {
			return fmt.Errorf("put idempotency record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("put idempotency record: %w", err)
		}
		if n == 0 {
			return store.ErrExists
		}
		return nil
	})
}

func (r *Idempotency) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := r.d.exec(ctx, r.d.db, `DELETE FROM idempotency_records WHERE expires_at <= ?`, utc(now))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return int(n), nil
}

// Policies is a SQL PolicyRepository
type Policies struct {
	d *DB
}

func (r *Policies) get(ctx context.Context, q execer, scope store.PolicyScope, lock bool) (*store.PolicyRecord, error) {
	query := `SELECT tools, tool_default, high_risk, version, updated_at
		FROM policies WHERE tenant_id = ? AND workspace_id = ? AND scope_key = ?`
	if lock {
		query += r.d.forUpdate()
	}
	p := &store.PolicyRecord{PolicyScope: scope}
	var tools, toolDefault, highRisk string
	err := r.d.queryRow(ctx, q, query, scope.TenantID, scope.WorkspaceID, scope.ScopeKey).
		Scan(&tools, &toolDefault, &highRisk, &p.Version, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &p.Tools); err != nil {
		return nil, fmt.Errorf("decode policy tools: %w", err)
	}
	if p.Tools == nil {
		p.Tools = map[string]store.Decision{}
	}
	p.ToolDefault = store.Decision(toolDefault)
	p.HighRisk = store.Decision(highRisk)
	return p, nil
}

func (r *Policies) Get(ctx context.Context, scope store.PolicyScope) (*store.PolicyRecord, error) {
	return r.get(ctx, r.d.db, scope, false)
}

func (r *Policies) Update(ctx context.Context, scope store.PolicyScope, fn func(*store.PolicyRecord) error) (*store.PolicyRecord, error) {
	var out *store.PolicyRecord
	err := r.d.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := r.get(ctx, tx, scope, true)
		if errors.Is(err, store.ErrNotFound) {
			cur = &store.PolicyRecord{PolicyScope: scope, Tools: map[string]store.Decision{}}
		} else if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.PolicyScope = scope
		tools, err := json.Marshal(next.Tools)
		if err != nil {
			return fmt.Errorf("encode policy tools: %w", err)
		}
		_, err = r.d.exec(ctx, tx, `
			INSERT INTO policies (tenant_id, workspace_id, scope_key, tools, tool_default, high_risk, version, updated_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT (tenant_id, workspace_id, scope_key) DO UPDATE SET
				tools = excluded.tools,
				tool_default = excluded.tool_default,
				high_risk = excluded.high_risk,
				version = excluded.version,
				updated_at = excluded.updated_at
		`, scope.TenantID, scope.WorkspaceID, scope.ScopeKey, string(tools),
			string(next.ToolDefault), string(next.HighRisk), next.Version, utc(next.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Targets is a SQL TargetRepository
type Targets struct {
	d *DB
}

func (r *Targets) Get(ctx context.Context, sessionID string) (*store.ExecutionTarget, error) {
	var t store.ExecutionTarget
	var kind string
	err := r.d.queryRow(ctx, r.d.db, `
		SELECT session_id, kind, endpoint, token, updated_at FROM execution_targets WHERE session_id = ?
	`, sessionID).Scan(&t.SessionID, &kind, &t.Endpoint, &t.Token, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	t.Kind = store.TargetKind(kind)
	return &t, nil
}

func (r *Targets) Put(ctx context.Context, t *store.ExecutionTarget) error {
	_, err := r.d.exec(ctx, r.d.db, `
		INSERT INTO execution_targets (session_id, kind, endpoint, token, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (session_id) DO UPDATE SET
			kind = excluded.kind,
			endpoint = excluded.endpoint,
			token = excluded.token,
			updated_at = excluded.updated_at
	`, t.SessionID, string(t.Kind), t.Endpoint, t.Token, utc(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put target: %w", err)
	}
	return nil
}

// Audit is a SQL AuditRepository
type Audit struct {
	d *DB
}

func (r *Audit) Append(ctx context.Context, rec *store.AuditRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = r.d.exec(ctx, r.d.db, `
		INSERT INTO audit_records (id, tenant_id, workspace_id, actor, action, status, metadata, created_at)
		VALUES (?,?,?,?,?,?,?,?)
	`, rec.ID, rec.TenantID, rec.WorkspaceID, rec.Actor, rec.Action, rec.Status, string(meta), utc(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (r *Audit) List(ctx context.Context, tenantID, workspaceID string, limit int) ([]*store.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.d.query(ctx, r.d.db, `
		SELECT id, tenant_id, workspace_id, actor, action, status, metadata, created_at
		FROM audit_records WHERE tenant_id = ? AND workspace_id = ?
		ORDER BY seq DESC LIMIT ?
	`, tenantID, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]*store.AuditRecord, 0)
	for rows.Next() {
		var rec store.AuditRecord
		var meta string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.WorkspaceID, &rec.Actor, &rec.Action, &rec.Status, &meta, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}
